package harness

// Trace entry types.
const (
	TypeTransaction = "transaction"
	TypeEvent       = "event"
)

// TraceEvent is one entry of a scenario trace: either a transaction with
// its outcome or an event it emitted.
type TraceEvent struct {
	Type        string `json:"type"`
	Seq         int64  `json:"seq"`
	At          int64  `json:"at"`
	Instruction string `json:"instruction,omitempty"`
	Payer       string `json:"payer,omitempty"`
	Args        any    `json:"args,omitempty"`
	Status      string `json:"status,omitempty"`
	Code        string `json:"code,omitempty"`
	Event       string `json:"event,omitempty"`
	Payload     any    `json:"payload,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds transactions and their events in application order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds one message per failed expectation.
	Errors []string `json:"errors,omitempty"`

	// Balances maps each genesis wallet name to its final lamports.
	Balances map[string]uint64 `json:"balances"`

	// Digest is the final state digest.
	Digest string `json:"digest"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
		Balances: make(map[string]uint64),
	}
}

// AddError records a failed expectation.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Transactions returns the transaction entries of the trace.
func (r *Result) Transactions() []TraceEvent {
	var out []TraceEvent
	for _, e := range r.Trace {
		if e.Type == TypeTransaction {
			out = append(out, e)
		}
	}
	return out
}
