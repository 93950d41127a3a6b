package wire

// Version constants for the wire format and node.
const (
	// WireVersion is the transaction and event encoding version.
	WireVersion = "1"

	// NodeVersion is the dan node version.
	NodeVersion = "0.1.0"
)
