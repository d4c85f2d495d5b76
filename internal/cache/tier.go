package cache

import "time"

// Tier selects a freshness policy for a cache entry.
type Tier int

const (
	Static Tier = iota
	SemiStatic
	Dynamic
	RealTime
	Pricing
)

// Policy is the timing contract of a tier.
//
// StaleTime is how long data is served without a refetch. GCTime is how long
// an unused entry survives before Sweep drops it. RefetchInterval, when set,
// drives Watch.
type Policy struct {
	StaleTime       time.Duration
	GCTime          time.Duration
	RefetchInterval time.Duration
}

var policies = [...]Policy{
	Static:     {StaleTime: 30 * time.Minute, GCTime: 2 * time.Hour},
	SemiStatic: {StaleTime: 10 * time.Minute, GCTime: 30 * time.Minute},
	Dynamic:    {StaleTime: time.Minute, GCTime: 10 * time.Minute},
	RealTime:   {StaleTime: 0, GCTime: 5 * time.Minute, RefetchInterval: 30 * time.Second},
	Pricing:    {StaleTime: 15 * time.Minute, GCTime: time.Hour},
}

var tierNames = [...]string{
	Static:     "static",
	SemiStatic: "semi-static",
	Dynamic:    "dynamic",
	RealTime:   "real-time",
	Pricing:    "pricing",
}

// Policy returns the tier's timing contract. Unknown tiers get Dynamic.
func (t Tier) Policy() Policy {
	if t < 0 || int(t) >= len(policies) {
		return policies[Dynamic]
	}
	return policies[t]
}

func (t Tier) String() string {
	if t < 0 || int(t) >= len(tierNames) {
		return "unknown"
	}
	return tierNames[t]
}
