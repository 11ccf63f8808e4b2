package subscription

import (
	"testing"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

func TestLimitsFor(t *testing.T) {
	cases := []struct {
		tier      model.Tier
		wantDay   int64
		wantMin   int64
		wantPeriod int64
	}{
		{model.TierFree, 100, 10, 50_000},
		{model.TierBasic, 1_000, 50, 500_000},
		{model.TierPremium, 10_000, 100, 5_000_000},
		{model.TierAcademic, 50_000, 500, 25_000_000},
		{model.Tier("unknown"), 100, 10, 50_000},
	}
	for _, c := range cases {
		l := LimitsFor(c.tier)
		if l.RequestsPerDay != c.wantDay || l.RequestsPerMin != c.wantMin || l.TokensPerPeriod != c.wantPeriod {
			t.Errorf("LimitsFor(%s) = %+v, want day=%d min=%d period=%d", c.tier, l, c.wantDay, c.wantMin, c.wantPeriod)
		}
	}
}

func TestHasFeature(t *testing.T) {
	if !HasFeature(model.TierFree, "retrieval") {
		t.Error("FREE should have retrieval")
	}
	if HasFeature(model.TierFree, "uploads") {
		t.Error("FREE should not have uploads")
	}
	if !HasFeature(model.TierBasic, "uploads") {
		t.Error("BASIC should have uploads")
	}
	if !HasFeature(model.TierPremium, "paper-workflow") {
		t.Error("PREMIUM should have paper-workflow")
	}
	if !HasFeature(model.TierAcademic, "paper-workflow") {
		t.Error("ACADEMIC should inherit all features via the \"all\" marker")
	}
}

func TestTierAtLeast(t *testing.T) {
	if !model.TierPremium.AtLeast(model.TierBasic) {
		t.Error("PREMIUM should be at least BASIC")
	}
	if model.TierFree.AtLeast(model.TierBasic) {
		t.Error("FREE should not be at least BASIC")
	}
}
