// Package fee computes the house and referral cut of a stake.
//
// Rates are fixed:
//
//	no referral:   house 4%
//	with referral: house 3.5%, referral 0.5%
//
// Integer division truncates. The referral fee is tracked per referrer and
// does not further reduce the amount credited to the pool.
package fee

import (
	"fmt"
	"math/bits"

	"github.com/shopspring/decimal"

	"github.com/soltybet/wager-engine/internal/model"
)

// Rates as numerator/denominator pairs.
const (
	houseNum, houseDen                 = 4, 100
	referredHouseNum, referredHouseDen = 35, 1000
	referralNum, referralDen           = 5, 1000
)

// Split is the fee breakdown of one stake.
type Split struct {
	HouseFee    uint64
	ReferralFee uint64
	Net         uint64 // amount - HouseFee
}

// Compute returns the fee split for amount. It fails with
// model.ErrArithmeticOverflow if amount*rate does not fit in 64 bits.
func Compute(amount uint64, hasReferral bool) (Split, error) {
	if !hasReferral {
		house, err := mulDiv(amount, houseNum, houseDen)
		if err != nil {
			return Split{}, err
		}
		return Split{HouseFee: house, Net: amount - house}, nil
	}

	house, err := mulDiv(amount, referredHouseNum, referredHouseDen)
	if err != nil {
		return Split{}, err
	}
	referral, err := mulDiv(amount, referralNum, referralDen)
	if err != nil {
		return Split{}, err
	}
	return Split{HouseFee: house, ReferralFee: referral, Net: amount - house}, nil
}

func mulDiv(amount, num, den uint64) (uint64, error) {
	hi, lo := bits.Mul64(amount, num)
	if hi != 0 {
		return 0, fmt.Errorf("fee on %d: %w", amount, model.ErrArithmeticOverflow)
	}
	return lo / den, nil
}

// HouseRate returns the effective house rate as a decimal fraction, for
// display only.
func HouseRate(hasReferral bool) decimal.Decimal {
	if hasReferral {
		return decimal.New(referredHouseNum, 0).Div(decimal.New(referredHouseDen, 0))
	}
	return decimal.New(houseNum, 0).Div(decimal.New(houseDen, 0))
}

// ReferralRate returns the referral rate as a decimal fraction.
func ReferralRate() decimal.Decimal {
	return decimal.New(referralNum, 0).Div(decimal.New(referralDen, 0))
}
