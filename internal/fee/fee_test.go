package fee

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/soltybet/wager-engine/internal/model"
)

func TestCompute_NoReferral(t *testing.T) {
	s, err := Compute(100, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.HouseFee != 4 || s.ReferralFee != 0 || s.Net != 96 {
		t.Errorf("expected 4/0/96, got %d/%d/%d", s.HouseFee, s.ReferralFee, s.Net)
	}
}

func TestCompute_WithReferral(t *testing.T) {
	s, err := Compute(200, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.HouseFee != 7 || s.ReferralFee != 1 || s.Net != 193 {
		t.Errorf("expected 7/1/193, got %d/%d/%d", s.HouseFee, s.ReferralFee, s.Net)
	}
}

func TestCompute_Truncates(t *testing.T) {
	tests := []struct {
		amount      uint64
		referral    bool
		house, refd uint64
	}{
		{1, false, 0, 0},
		{24, false, 0, 0},
		{25, false, 1, 0},
		{199, true, 6, 0},
		{1000, true, 35, 5},
		{1999, true, 69, 9},
	}
	for _, tt := range tests {
		s, err := Compute(tt.amount, tt.referral)
		if err != nil {
			t.Fatalf("amount %d: unexpected error: %v", tt.amount, err)
		}
		if s.HouseFee != tt.house || s.ReferralFee != tt.refd {
			t.Errorf("amount %d referral=%v: expected %d/%d, got %d/%d",
				tt.amount, tt.referral, tt.house, tt.refd, s.HouseFee, s.ReferralFee)
		}
		if s.Net != tt.amount-tt.house {
			t.Errorf("amount %d: net should exclude only the house fee, got %d", tt.amount, s.Net)
		}
	}
}

func TestCompute_Overflow(t *testing.T) {
	if _, err := Compute(math.MaxUint64, false); !errors.Is(err, model.ErrArithmeticOverflow) {
		t.Errorf("expected ErrArithmeticOverflow, got %v", err)
	}
	if _, err := Compute(math.MaxUint64/4+1, true); !errors.Is(err, model.ErrArithmeticOverflow) {
		t.Errorf("expected ErrArithmeticOverflow with referral, got %v", err)
	}
	// Largest amount that still fits the 4% multiply.
	if _, err := Compute(math.MaxUint64/4, false); err != nil {
		t.Errorf("expected no overflow at MaxUint64/4, got %v", err)
	}
}

func TestRates(t *testing.T) {
	if !HouseRate(false).Equal(decimal.RequireFromString("0.04")) {
		t.Errorf("house rate = %s", HouseRate(false))
	}
	if !HouseRate(true).Equal(decimal.RequireFromString("0.035")) {
		t.Errorf("referred house rate = %s", HouseRate(true))
	}
	if !ReferralRate().Equal(decimal.RequireFromString("0.005")) {
		t.Errorf("referral rate = %s", ReferralRate())
	}
}
