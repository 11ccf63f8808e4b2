// Package subscription implements SubscriptionEnforcer: access and quota
// decisions for a resolved Principal (spec §4.4), grounded on the teacher's
// deleted service/usage.go TierLimits table and middleware/ratelimit.go
// sliding-window counter — generalized here into a fixed-window counter
// (cheap, Redis-atomic) backing a tier matrix pulled from spec §4.4.
package subscription

import "github.com/connexus-ai/ragbox-backend/internal/model"

// Limits is one tier's quota row.
type Limits struct {
	RequestsPerDay   int64
	RequestsPerMin   int64
	TokensPerPeriod  int64
	Features         []string
}

// tierMatrix is the spec §4.4 tier table. Anonymous principals are resolved
// to TierFree by the caller before lookup; with payments disabled no lookup
// takes place.
var tierMatrix = map[model.Tier]Limits{
	model.TierFree: {
		RequestsPerDay:  100,
		RequestsPerMin:  10,
		TokensPerPeriod: 50_000,
		Features:        []string{"retrieval", "chat-short"},
	},
	model.TierBasic: {
		RequestsPerDay:  1_000,
		RequestsPerMin:  50,
		TokensPerPeriod: 500_000,
		Features:        []string{"retrieval", "chat-short", "uploads", "history"},
	},
	model.TierPremium: {
		RequestsPerDay:  10_000,
		RequestsPerMin:  100,
		TokensPerPeriod: 5_000_000,
		Features:        []string{"retrieval", "chat-short", "uploads", "history", "paper-workflow"},
	},
	model.TierAcademic: {
		RequestsPerDay:  50_000,
		RequestsPerMin:  500,
		TokensPerPeriod: 25_000_000,
		Features:        []string{"retrieval", "chat-short", "uploads", "history", "paper-workflow", "all"},
	},
}

// LimitsFor returns the quota row for a tier, defaulting to FREE for an
// unrecognized value rather than panicking on a bad DB row.
func LimitsFor(t model.Tier) Limits {
	if l, ok := tierMatrix[t]; ok {
		return l
	}
	return tierMatrix[model.TierFree]
}

// HasFeature reports whether tier t's feature set includes name.
func HasFeature(t model.Tier, name string) bool {
	for _, f := range LimitsFor(t).Features {
		if f == name || f == "all" {
			return true
		}
	}
	return false
}
