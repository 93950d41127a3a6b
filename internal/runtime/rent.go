package runtime

// AccountOverhead is the fixed per-record size charged on top of a
// record's declared space.
const AccountOverhead = 128

// DefaultLamportsPerByte is the deposit rate when none is configured.
const DefaultLamportsPerByte = 6960

// Rent computes the deposit a payer locks into a record at creation. The
// deposit is returned to the submitter of the transaction that destroys it.
type Rent struct {
	LamportsPerByte uint64
}

// DefaultRent returns the default deposit schedule.
func DefaultRent() Rent {
	return Rent{LamportsPerByte: DefaultLamportsPerByte}
}

// For returns the deposit for a record of the given declared space.
func (r Rent) For(space int) uint64 {
	if space < 0 {
		space = 0
	}
	return uint64(AccountOverhead+space) * r.LamportsPerByte
}
