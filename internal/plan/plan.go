// Package plan is the static policy registry: subscription tiers, request-rate
// ceilings, and the credit cost of each metered feature.
//
// The catalogue is loaded once at process start and read-only thereafter.
// Load returns defensive copies so callers can never mutate shared state.
package plan

import (
	"errors"
	"time"
)

var (
	ErrUnknownTier    = errors.New("plan: unknown tier")
	ErrUnknownFeature = errors.New("plan: unknown feature")
)

// Tier identifies a subscription tier.
type Tier string

const (
	TierFree         Tier = "free"
	TierBasic        Tier = "basic"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// Feature identifies a metered operation. The set is closed: consuming an
// unlisted feature fails with ErrUnknownFeature rather than silently
// defaulting to some cost.
type Feature string

const (
	FeatureContentGeneration  Feature = "content_generation"
	FeatureImageGeneration    Feature = "image_generation"
	FeatureSEOAnalysis        Feature = "seo_analysis"
	FeatureContentAnalysis    Feature = "content_analysis"
	FeatureCourseGeneration   Feature = "course_generation"
	FeatureEmailSequence      Feature = "email_sequence"
	FeatureHashtagGeneration  Feature = "hashtag_generation"
	FeatureContentImprovement Feature = "content_improvement"
)

// defaultCosts is the plan-default credit cost per feature.
var defaultCosts = map[Feature]int{
	FeatureContentGeneration:  5,
	FeatureImageGeneration:    10,
	FeatureSEOAnalysis:        3,
	FeatureContentAnalysis:    2,
	FeatureCourseGeneration:   15,
	FeatureEmailSequence:      8,
	FeatureHashtagGeneration:  2,
	FeatureContentImprovement: 4,
}

// RateLimits holds the fixed-window request ceilings per granularity.
type RateLimits struct {
	PerMinute int `json:"perMinute"`
	PerHour   int `json:"perHour"`
	PerDay    int `json:"perDay"`
}

// Window durations matching the three granularities.
const (
	WindowMinute = time.Minute
	WindowHour   = time.Hour
	WindowDay    = 24 * time.Hour
)

// Config defines the limits for one tier.
type Config struct {
	Tier             Tier               `json:"tier"`
	Limits           RateLimits         `json:"limits"`
	MonthlyAllowance int                `json:"monthlyAllowance"`
	MaxTeamMembers   int                `json:"maxTeamMembers"` // 0 = unlimited
	StorageGB        int                `json:"storageGb"`
	FeatureCosts     map[Feature]int    `json:"featureCosts"`
}

// tiers is the hardcoded tier catalogue.
var tiers = map[Tier]Config{
	TierFree: {
		Tier:             TierFree,
		Limits:           RateLimits{PerMinute: 10, PerHour: 100, PerDay: 500},
		MonthlyAllowance: 50,
		MaxTeamMembers:   1,
		StorageGB:        1,
	},
	TierBasic: {
		Tier:             TierBasic,
		Limits:           RateLimits{PerMinute: 30, PerHour: 500, PerDay: 2000},
		MonthlyAllowance: 500,
		MaxTeamMembers:   5,
		StorageGB:        10,
	},
	TierProfessional: {
		Tier:             TierProfessional,
		Limits:           RateLimits{PerMinute: 60, PerHour: 1500, PerDay: 10000},
		MonthlyAllowance: 2000,
		MaxTeamMembers:   20,
		StorageGB:        50,
	},
	TierEnterprise: {
		Tier:             TierEnterprise,
		Limits:           RateLimits{PerMinute: 200, PerHour: 5000, PerDay: 50000},
		MonthlyAllowance: 10000,
		MaxTeamMembers:   0,
		StorageGB:        500,
	},
}

// Load returns the configuration for a tier. The returned Config owns its
// FeatureCosts map; mutating it does not affect the registry.
func Load(t Tier) (Config, error) {
	cfg, ok := tiers[t]
	if !ok {
		return Config{}, ErrUnknownTier
	}
	cfg.FeatureCosts = DefaultCosts()
	return cfg, nil
}

// Valid reports whether the tier name is recognised.
func Valid(t Tier) bool {
	_, ok := tiers[t]
	return ok
}

// ValidFeature reports whether the feature is in the closed set.
func ValidFeature(f Feature) bool {
	_, ok := defaultCosts[f]
	return ok
}

// DefaultCosts returns a copy of the plan-default feature cost table.
func DefaultCosts() map[Feature]int {
	costs := make(map[Feature]int, len(defaultCosts))
	for f, c := range defaultCosts {
		costs[f] = c
	}
	return costs
}

// CostOf resolves the credit cost of a feature, preferring a workspace
// override when one is set. Unknown features are an error even when an
// override exists for them.
func CostOf(f Feature, overrides map[Feature]int) (int, error) {
	base, ok := defaultCosts[f]
	if !ok {
		return 0, ErrUnknownFeature
	}
	if override, ok := overrides[f]; ok && override > 0 {
		return override, nil
	}
	return base, nil
}

// Features lists every known feature in stable order.
func Features() []Feature {
	return []Feature{
		FeatureContentGeneration,
		FeatureImageGeneration,
		FeatureSEOAnalysis,
		FeatureContentAnalysis,
		FeatureCourseGeneration,
		FeatureEmailSequence,
		FeatureHashtagGeneration,
		FeatureContentImprovement,
	}
}
