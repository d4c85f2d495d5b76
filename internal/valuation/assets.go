package valuation

import (
	"context"
	"fmt"

	"slabvalue/internal/cache"
	"slabvalue/internal/db"
)

// Asset returns one asset through the dynamic tier.
func (s *Service) Asset(ctx context.Context, id string) (db.Asset, error) {
	return cache.Read(ctx, s.cache, recordKey(id), cache.Dynamic, func(ctx context.Context) (db.Asset, error) {
		return s.store.GetAsset(ctx, id)
	})
}

// Assets returns every asset through the semi-static tier.
func (s *Service) Assets(ctx context.Context) ([]db.Asset, error) {
	return cache.Read(ctx, s.cache, assetsKey, cache.SemiStatic, s.store.ListAssets)
}

// CreateAsset stores a new asset and starts polling for its comps, which a
// search index usually lacks right after creation.
func (s *Service) CreateAsset(ctx context.Context, a db.Asset) (db.Asset, error) {
	if err := a.Validate(); err != nil {
		return db.Asset{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	created, err := s.store.CreateAsset(ctx, a)
	if err != nil {
		return db.Asset{}, err
	}
	s.cache.Invalidate(ctx, assetsKey)
	go s.StartPolling(created)
	return created, nil
}

// UpdateAsset applies an edit optimistically. A changed fallback id
// repoints the trend poller; a changed fallback id or liquidity tag
// invalidates the valuation.
func (s *Service) UpdateAsset(ctx context.Context, a db.Asset) (db.Asset, error) {
	if err := a.Validate(); err != nil {
		return db.Asset{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	prev, err := s.Asset(ctx, a.ID)
	if err != nil {
		return db.Asset{}, err
	}
	optimistic := prev
	optimistic.Name = a.Name
	optimistic.GlobalID = a.GlobalID
	optimistic.Grade = a.Grade
	optimistic.Liquidity = a.Liquidity
	optimistic.PurchasePrice = a.PurchasePrice
	optimistic.Notes = a.Notes

	updated, err := cache.Mutate(ctx, s.cache, recordKey(a.ID), cache.Dynamic, optimistic,
		func(ctx context.Context) (db.Asset, error) { return s.store.UpdateAsset(ctx, a) })
	if err != nil {
		return db.Asset{}, err
	}
	s.cache.Invalidate(ctx, assetsKey)

	if updated.GlobalID != prev.GlobalID || updated.Liquidity != prev.Liquidity {
		s.cache.Invalidate(ctx, valuationKey(a.ID))
	}
	if updated.GlobalID != prev.GlobalID {
		s.cache.Invalidate(ctx, trendKey(a.ID))
		if _, polling := s.polls.Get(pollConsumer(a.ID)); polling {
			go s.StartPolling(updated)
		}
	}
	return updated, nil
}

// DeleteAsset removes an asset, its poller and its cache entries.
func (s *Service) DeleteAsset(ctx context.Context, id string) error {
	if err := s.store.DeleteAsset(ctx, id); err != nil {
		return err
	}
	s.polls.Detach(pollConsumer(id))
	for _, k := range []string{recordKey(id), valuationKey(id), trendKey(id), compsKey(id)} {
		s.cache.Remove(ctx, k)
	}
	s.cache.Invalidate(ctx, assetsKey)
	return nil
}

// Settings returns display settings through the static tier.
func (s *Service) Settings(ctx context.Context) (db.Settings, error) {
	return cache.Read(ctx, s.cache, settingsKey, cache.Static, s.store.GetSettings)
}

// UpdateSettings saves settings optimistically.
func (s *Service) UpdateSettings(ctx context.Context, next db.Settings) (db.Settings, error) {
	if err := next.Validate(); err != nil {
		return db.Settings{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cache.Mutate(ctx, s.cache, settingsKey, cache.Static, next,
		func(ctx context.Context) (db.Settings, error) { return s.store.SaveSettings(ctx, next) })
}
