// Package model defines the persisted shapes of the retrieval service:
// principals, passages, conversations, messages, usage and subscription
// records, and webhook events, per the data model in spec §3.
package model

import "time"

// Tier is a subscription class controlling quotas and features.
type Tier string

const (
	TierFree     Tier = "FREE"
	TierBasic    Tier = "BASIC"
	TierPremium  Tier = "PREMIUM"
	TierAcademic Tier = "ACADEMIC"
)

// tierRank orders tiers for "≥ T" policy checks.
var tierRank = map[Tier]int{
	TierFree:     0,
	TierBasic:    1,
	TierPremium:  2,
	TierAcademic: 3,
}

// AtLeast reports whether t meets or exceeds the minimum tier.
func (t Tier) AtLeast(min Tier) bool {
	return tierRank[t] >= tierRank[min]
}

// Status is a principal's subscription status.
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusPastDue    Status = "PAST_DUE"
	StatusCanceled   Status = "CANCELED"
	StatusIncomplete Status = "INCOMPLETE"
	StatusTrialing   Status = "TRIALING"
	StatusUnpaid     Status = "UNPAID"
)

// Principal is an authenticated (or synthetic anonymous) actor.
type Principal struct {
	ID        string
	Email     string
	Username  string
	Tier      Tier
	Status    Status
	Verified  bool
	Active    bool
	CreatedAt time.Time
}

// AnonymousPrefix marks synthetic session principals per spec §9 OQ1.
const AnonymousPrefix = "anon:"

// IsAnonymous reports whether p is a synthetic session principal.
func (p *Principal) IsAnonymous() bool {
	return p != nil && len(p.ID) >= len(AnonymousPrefix) && p.ID[:len(AnonymousPrefix)] == AnonymousPrefix
}

// NewAnonymousPrincipal builds the synthetic FREE-tier principal used when
// no bearer token is present on a public endpoint.
func NewAnonymousPrincipal(fingerprint string) *Principal {
	return &Principal{
		ID:       AnonymousPrefix + fingerprint,
		Tier:     TierFree,
		Status:   StatusActive,
		Verified: false,
		Active:   true,
	}
}
