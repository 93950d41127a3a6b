package runtime

import "github.com/cenwadike/dan/internal/events"

// Receipt statuses. A rejected transaction never reached a handler and is
// not logged; a failed one is logged with its error and changed nothing.
const (
	StatusOK       = "ok"
	StatusFailed   = "failed"
	StatusRejected = "rejected"
)

// Receipt reports the outcome of one transaction.
type Receipt struct {
	TxID        string            `json:"tx_id"`
	Seq         int64             `json:"seq,omitempty"`
	Instruction string            `json:"instruction"`
	Status      string            `json:"status"`
	AppliedAt   int64             `json:"applied_at,omitempty"`
	Error       *ReceiptError     `json:"error,omitempty"`
	Events      []events.Envelope `json:"events,omitempty"`
}

// ReceiptError is the error part of a receipt.
type ReceiptError struct {
	Code    string `json:"code"`
	Class   string `json:"class"`
	Message string `json:"message"`
}

// OK reports whether the transaction committed.
func (r Receipt) OK() bool {
	return r.Status == StatusOK
}

// Code returns the error code, or "" for a successful receipt.
func (r Receipt) Code() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Code
}

// Err rebuilds the error carried by the receipt so callers can use
// errors.Is against fault and domain sentinels. Returns nil when OK.
func (r Receipt) Err() error {
	if r.Error == nil {
		return nil
	}
	if r.Error.Class == ClassFault {
		return &Fault{Code: FaultCode(r.Error.Code), Message: r.Error.Message}
	}
	return &ProgramError{Code: r.Error.Code, Message: r.Error.Message}
}

func errorOf(err error) *ReceiptError {
	code, class, _ := Classify(err)
	return &ReceiptError{Code: code, Class: class, Message: err.Error()}
}
