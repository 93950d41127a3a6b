package channel

import "github.com/cenwadike/dan/internal/runtime"

// Payout splits a channel's custody at close.
type Payout struct {
	Royalty uint64 `json:"royalty"`
	Fee     uint64 `json:"fee"`
	Refund  uint64 `json:"refund"`
}

// Split computes the close payout. The template creator receives one
// fifth of finalBalance (rounded down), the owner the rest of it, and the
// counter-party whatever custody remains.
func Split(custody, finalBalance uint64) (Payout, error) {
	if finalBalance > custody {
		return Payout{}, runtime.ErrInsufficientFunds.Wrapf("final balance %d exceeds custody %d", finalBalance, custody)
	}
	royalty := finalBalance / RoyaltyDivisor
	return Payout{
		Royalty: royalty,
		Fee:     finalBalance - royalty,
		Refund:  custody - finalBalance,
	}, nil
}

// Total is the sum of all parts.
func (p Payout) Total() uint64 {
	return p.Royalty + p.Fee + p.Refund
}
