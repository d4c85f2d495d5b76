// Package valuation wires comp search, the pricing engine, the tiered cache
// and trend polling into the operations the API exposes.
package valuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"slabvalue/internal/cache"
	"slabvalue/internal/comps"
	"slabvalue/internal/db"
	"slabvalue/internal/engine"
	"slabvalue/internal/logger"
	"slabvalue/internal/metrics"
	"slabvalue/internal/poll"
)

// ErrInvalid marks a rejected input.
var ErrInvalid = errors.New("invalid input")

// CompSource is the comparable-sales search collaborator.
type CompSource interface {
	Search(ctx context.Context, assetID string) ([]json.RawMessage, error)
}

// Store persists assets and settings.
type Store interface {
	CreateAsset(ctx context.Context, a db.Asset) (db.Asset, error)
	GetAsset(ctx context.Context, id string) (db.Asset, error)
	ListAssets(ctx context.Context) ([]db.Asset, error)
	UpdateAsset(ctx context.Context, a db.Asset) (db.Asset, error)
	DeleteAsset(ctx context.Context, id string) error
	GetSettings(ctx context.Context) (db.Settings, error)
	SaveSettings(ctx context.Context, s db.Settings) (db.Settings, error)
}

// Source says which identifier supplied the comps.
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceFallback Source = "fallback"
	SourceNone     Source = "none"
)

// Valuation is the full pricing view of one asset.
type Valuation struct {
	AssetID    string                  `json:"asset_id"`
	Pricing    engine.PricingInfo      `json:"pricing"`
	Confidence engine.ConfidenceRating `json:"confidence"`
	Liquidity  engine.Liquidity        `json:"liquidity"`
	CompCount  int                     `json:"comp_count"`
	Source     Source                  `json:"source"`
	ComputedAt time.Time               `json:"computed_at"`
}

// CompSnapshot is a live view of an asset's comp set.
type CompSnapshot struct {
	AssetID   string             `json:"asset_id"`
	CompCount int                `json:"comp_count"`
	Source    Source             `json:"source"`
	Pricing   engine.PricingInfo `json:"pricing"`
	At        time.Time          `json:"at"`
}

// Options tunes a Service.
type Options struct {
	// TrendWindow is the chart window; zero means engine.DefaultTrendWindow.
	TrendWindow time.Duration
	// Concurrency bounds RevalueAll; zero means 4.
	Concurrency int
	Now         func() time.Time
	Poll        []poll.Option
}

// Service is the valuation engine's entry point.
type Service struct {
	store Store
	comps CompSource
	cache *cache.Cache
	polls *poll.Registry

	// base outlives requests; poll controllers run under it.
	base        context.Context
	window      time.Duration
	concurrency int
	now         func() time.Time
}

// New creates a Service. Poll controllers started by the service stop when
// base is cancelled or Close is called.
func New(base context.Context, store Store, src CompSource, c *cache.Cache, opts Options) *Service {
	s := &Service{
		store:       store,
		comps:       src,
		cache:       c,
		base:        base,
		window:      opts.TrendWindow,
		concurrency: opts.Concurrency,
		now:         opts.Now,
	}
	if s.window <= 0 {
		s.window = engine.DefaultTrendWindow
	}
	if s.concurrency <= 0 {
		s.concurrency = 4
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.polls = poll.NewRegistry(s.LoadTrend, s.publishTrend, opts.Poll...)
	return s
}

// Close stops every poll controller.
func (s *Service) Close() {
	s.polls.StopAll()
}

// Cache keys.
const (
	assetsKey   = "assets"
	settingsKey = "settings"
)

func recordKey(id string) string    { return cache.Key("asset", id, "record") }
func valuationKey(id string) string { return cache.Key("asset", id, "valuation") }
func trendKey(id string) string     { return cache.Key("asset", id, "trend") }
func compsKey(id string) string     { return cache.Key("asset", id, "comps") }
func pollConsumer(id string) string { return "trend:" + id }

// fetchSales loads and normalizes comps for primary, falling back to
// fallback when primary has none. Transport errors count as no comps.
func (s *Service) fetchSales(ctx context.Context, primary, fallback string) ([]comps.NormalizedSale, Source) {
	if sales := s.search(ctx, primary); len(sales) > 0 {
		return sales, SourcePrimary
	}
	if fallback != "" && fallback != primary {
		if sales := s.search(ctx, fallback); len(sales) > 0 {
			return sales, SourceFallback
		}
	}
	return []comps.NormalizedSale{}, SourceNone
}

func (s *Service) search(ctx context.Context, id string) []comps.NormalizedSale {
	raw, err := s.comps.Search(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("Valuation", "Comp search failed, treating as no comps",
				zap.String("id", id), zap.Error(err))
		}
		return nil
	}
	return comps.Normalize(raw)
}

// Valuate returns the cached valuation of an asset, computing it on a miss.
func (s *Service) Valuate(ctx context.Context, id string) (Valuation, error) {
	a, err := s.Asset(ctx, id)
	if err != nil {
		return Valuation{}, err
	}
	return cache.Read(ctx, s.cache, valuationKey(id), cache.Pricing, func(ctx context.Context) (Valuation, error) {
		return s.compute(ctx, a), nil
	})
}

func (s *Service) compute(ctx context.Context, a db.Asset) Valuation {
	sales, src := s.fetchSales(ctx, a.ID, a.GlobalID)
	now := s.now()
	v := Valuation{
		AssetID:    a.ID,
		Pricing:    engine.CalculateMarketValue(sales),
		Confidence: engine.CalculateConfidence(sales, now),
		Liquidity:  engine.ClassifyLiquidity(a.Liquidity),
		CompCount:  len(sales),
		Source:     src,
		ComputedAt: now,
	}
	metrics.Valuation(string(v.Confidence.Rating))
	return v
}

// LoadTrend builds the trend series for key. When the primary id has no
// sales at all the fallback id is tried. It only fails when ctx is done.
func (s *Service) LoadTrend(ctx context.Context, key poll.Key) (engine.TrendSeries, error) {
	now := s.now()
	series := engine.TrendFromSales(s.search(ctx, key.AssetID), now, s.window)
	if series.Len() == 0 && key.FallbackID != "" && key.FallbackID != key.AssetID {
		series = engine.TrendFromSales(s.search(ctx, key.FallbackID), now, s.window)
	}
	if err := ctx.Err(); err != nil {
		return engine.TrendSeries{}, err
	}
	return series, nil
}

func (s *Service) publishTrend(key poll.Key, series engine.TrendSeries, state poll.State) {
	cache.Put(s.base, s.cache, trendKey(key.AssetID), cache.SemiStatic, series)
	if state == poll.Satisfied {
		// Comps just appeared for a new asset; its valuation is out of date.
		s.cache.Invalidate(s.base, valuationKey(key.AssetID))
	}
}

// Trend returns the cached trend series of an asset.
func (s *Service) Trend(ctx context.Context, id string) (engine.TrendSeries, error) {
	a, err := s.Asset(ctx, id)
	if err != nil {
		return engine.TrendSeries{}, err
	}
	key := poll.Key{AssetID: a.ID, FallbackID: a.GlobalID}
	return cache.Read(ctx, s.cache, trendKey(id), cache.SemiStatic, func(ctx context.Context) (engine.TrendSeries, error) {
		return s.LoadTrend(ctx, key)
	})
}

// StartPolling points the asset's trend poller at its current identifiers.
func (s *Service) StartPolling(a db.Asset) *poll.Controller {
	return s.polls.Watch(s.base, pollConsumer(a.ID), poll.Key{AssetID: a.ID, FallbackID: a.GlobalID})
}

// PollStatus reports the asset's trend poller.
func (s *Service) PollStatus(id string) (poll.Status, bool) {
	c, ok := s.polls.Get(pollConsumer(id))
	if !ok {
		return poll.Status{}, false
	}
	return c.Status(), true
}

// Pollers is the number of live trend pollers.
func (s *Service) Pollers() int {
	return s.polls.Len()
}

// Refresh discards the asset's cached valuation and trend, restarts trend
// polling and returns a freshly computed valuation.
func (s *Service) Refresh(ctx context.Context, id string) (Valuation, error) {
	a, err := s.Asset(ctx, id)
	if err != nil {
		return Valuation{}, err
	}
	s.cache.Invalidate(ctx, valuationKey(id))
	s.cache.Invalidate(ctx, trendKey(id))
	s.polls.Detach(pollConsumer(id))
	go s.StartPolling(a)
	return s.Valuate(ctx, id)
}

// WatchComps streams comp snapshots for an asset on the real-time tier until
// ctx is done.
func (s *Service) WatchComps(ctx context.Context, id string, onUpdate func(CompSnapshot)) error {
	a, err := s.Asset(ctx, id)
	if err != nil {
		return err
	}
	return cache.Watch(ctx, s.cache, compsKey(id), cache.RealTime, func(ctx context.Context) (CompSnapshot, error) {
		sales, src := s.fetchSales(ctx, a.ID, a.GlobalID)
		return CompSnapshot{
			AssetID:   a.ID,
			CompCount: len(sales),
			Source:    src,
			Pricing:   engine.CalculateMarketValue(sales),
			At:        s.now(),
		}, nil
	}, onUpdate)
}

// RevalueAll recomputes every stored asset's valuation, at most
// Options.Concurrency at a time. Results follow ListAssets order.
func (s *Service) RevalueAll(ctx context.Context) ([]Valuation, error) {
	assets, err := s.store.ListAssets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Valuation, len(assets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, a := range assets {
		g.Go(func() error {
			s.cache.Invalidate(gctx, valuationKey(a.ID))
			v, err := s.Valuate(gctx, a.ID)
			if err != nil {
				return fmt.Errorf("revalue %s: %w", a.ID, err)
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	logger.Info("Valuation", "Revalued assets", zap.Int("count", len(out)))
	return out, nil
}
