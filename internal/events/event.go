package events

import "encoding/json"

// Event is a typed notification emitted by an instruction.
type Event interface {
	EventName() string
}

// ChannelScoped is implemented by events that concern one payment channel.
// The scope is indexed so listings can filter by channel or owner.
type ChannelScoped interface {
	ChannelScope() (channelID, owner string)
}

// Envelope is an event as persisted and delivered to observers.
type Envelope struct {
	Seq       int64           `json:"seq"`
	ID        string          `json:"id"`
	TxID      string          `json:"tx_id"`
	Name      string          `json:"name"`
	ChannelID string          `json:"channel_id,omitempty"`
	Owner     string          `json:"owner,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt int64           `json:"emitted_at"`
}

// Scope returns the channel scope of ev, or empty strings.
func Scope(ev Event) (channelID, owner string) {
	if cs, ok := ev.(ChannelScoped); ok {
		return cs.ChannelScope()
	}
	return "", ""
}
