// Package refund computes fund allocations for escrow refunds.
//
// The calculator is a pure policy function over an account's amounts: it
// never mutates account state. Callers apply the resulting allocation and
// write the audit entry.
package refund

import (
	"errors"
	"fmt"

	"github.com/bookvault/bookvault/internal/money"
)

// Type selects the refund policy.
type Type string

const (
	TypeFull            Type = "full"
	TypePartial         Type = "partial"
	TypeSecurityOnly    Type = "security_only"
	TypeDamageDeduction Type = "damage_deduction"
)

var ErrUnknownType = errors.New("refund: unknown refund type")

// Valid reports whether t is a known refund type.
func (t Type) Valid() bool {
	switch t {
	case TypeFull, TypePartial, TypeSecurityOnly, TypeDamageDeduction:
		return true
	}
	return false
}

// Amounts is the input breakdown of an escrow account's total.
type Amounts struct {
	RentalFee   money.Cents
	Deposit     money.Cents
	PlatformFee money.Cents
}

// Total returns the account total the amounts describe.
func (a Amounts) Total() money.Cents {
	return a.RentalFee + a.Deposit + a.PlatformFee
}

// Allocation describes how a refund splits between parties. RefundToBorrower
// is what leaves custody back to the borrower; the remainder of the account
// total stays allocated to lender/platform at release time.
type Allocation struct {
	RefundToBorrower money.Cents `json:"refundToBorrower"`
	FromRentalFee    money.Cents `json:"fromRentalFee"`
	FromDeposit      money.Cents `json:"fromDeposit"`
	FromPlatformFee  money.Cents `json:"fromPlatformFee"`
	DamageWithheld   money.Cents `json:"damageWithheld"`
	Description      string      `json:"description"`
}

// Options carries policy-specific inputs.
type Options struct {
	// DamageAmount is withheld from the deposit for damage_deduction.
	// Zero means unspecified; the policy default (20% of deposit) applies.
	DamageAmount money.Cents
}

// Calculate computes the allocation for a refund of the given type.
// All results are in whole cents; fractional intermediate values truncate.
func Calculate(t Type, amounts Amounts, opts Options) (Allocation, error) {
	switch t {
	case TypeFull:
		// Full refund returns the rental fee, the deposit, and half the
		// platform fee (the platform keeps half for processing costs).
		fromPlatform := amounts.PlatformFee.Percent(50)
		return Allocation{
			RefundToBorrower: amounts.RentalFee + amounts.Deposit + fromPlatform,
			FromRentalFee:    amounts.RentalFee,
			FromDeposit:      amounts.Deposit,
			FromPlatformFee:  fromPlatform,
			Description:      "full refund: rental fee, deposit, and 50% of platform fee",
		}, nil

	case TypePartial:
		fromRental := amounts.RentalFee.Percent(30)
		return Allocation{
			RefundToBorrower: fromRental + amounts.Deposit,
			FromRentalFee:    fromRental,
			FromDeposit:      amounts.Deposit,
			Description:      "partial refund: 30% of rental fee plus full deposit",
		}, nil

	case TypeSecurityOnly:
		return Allocation{
			RefundToBorrower: amounts.Deposit,
			FromDeposit:      amounts.Deposit,
			Description:      "security deposit refund",
		}, nil

	case TypeDamageDeduction:
		damage := opts.DamageAmount
		if damage == 0 {
			damage = amounts.Deposit.Percent(20)
		}
		withheld := money.Min(damage, amounts.Deposit)
		refunded := amounts.Deposit - withheld
		return Allocation{
			RefundToBorrower: refunded,
			FromDeposit:      refunded,
			DamageWithheld:   withheld,
			Description:      fmt.Sprintf("deposit refund after %s damage deduction", withheld.Format()),
		}, nil

	default:
		return Allocation{}, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}
