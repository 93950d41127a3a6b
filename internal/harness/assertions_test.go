package harness

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenwadike/dan/internal/runtime"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Type: TypeTransaction, Seq: 1, Instruction: "open_channel", Payer: "alice", Status: runtime.StatusOK,
			Args: map[string]any{"channel_id": "c1", "amount": 1000}},
		{Type: TypeEvent, Seq: 1, Event: "ChannelOpened"},
		{Type: TypeTransaction, Seq: 2, Instruction: "close_channel", Payer: "bob", Status: runtime.StatusFailed,
			Code: "InvalidSecret", Args: map[string]any{"channel_id": "c1"}},
		{Type: TypeTransaction, Seq: 3, Instruction: "close_channel", Payer: "bob", Status: runtime.StatusOK,
			Args: map[string]any{"channel_id": "c1"}},
		{Type: TypeEvent, Seq: 2, Event: "ChannelClosed"},
	}
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{
		Instruction: "open_channel",
		Args:        map[string]any{"amount": int64(1000)},
	}, names{}))
	assert.NoError(t, assertTraceContains(trace, Assertion{
		Instruction: "close_channel",
		Status:      runtime.StatusFailed,
	}, names{}))

	err := assertTraceContains(trace, Assertion{
		Instruction: "open_channel",
		Args:        map[string]any{"amount": 5},
	}, names{})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Contains(t, ae.Error(), "open_channel by alice")
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Instructions: []string{"open_channel", "close_channel"}}))
	assert.NoError(t, assertTraceOrder(trace, Assertion{Instructions: []string{"close_channel", "close_channel"}}))
	assert.Error(t, assertTraceOrder(trace, Assertion{Instructions: []string{"close_channel", "open_channel"}}))
	assert.Error(t, assertTraceOrder(trace, Assertion{Instructions: []string{"claim_refund"}}))
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Instruction: "close_channel", Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Instruction: "close_channel", Status: runtime.StatusOK, Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Instruction: "claim_refund", Count: 0}))
	assert.Error(t, assertTraceCount(trace, Assertion{Instruction: "open_channel", Count: 2}))
}

func TestAssertEventCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertEventCount(trace, Assertion{Event: "ChannelClosed", Count: 1}))
	assert.NoError(t, assertEventCount(trace, Assertion{Event: "RefundClaimed", Count: 0}))
	assert.Error(t, assertEventCount(trace, Assertion{Event: "ChannelOpened", Count: 2}))
}

func TestEvaluateAssertions_StoreRequired(t *testing.T) {
	result := NewResult()
	result.Trace = sampleTrace()

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceCount, Instruction: "close_channel", Count: 2},
		{Type: AssertConservation},
	}, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "assertion[1]")
	assert.Contains(t, errs[0], "requires a store")
}

func TestBuildWhereClause(t *testing.T) {
	sql, args, err := buildWhereClause(map[string]any{"status": "closed", "channel_id": "c1"})
	require.NoError(t, err)
	assert.Equal(t, "channel_id = ? AND status = ?", sql)
	assert.Equal(t, []any{"c1", "closed"}, args)

	_, _, err = buildWhereClause(map[string]any{"x; DROP TABLE accounts": 1})
	assert.Error(t, err)

	sql, args, err = buildWhereClause(nil)
	require.NoError(t, err)
	assert.Empty(t, sql)
	assert.Nil(t, args)
}

func TestStateValuesEqual(t *testing.T) {
	assert.True(t, stateValuesEqual("closed", "closed"))
	assert.True(t, stateValuesEqual("closed", []byte("closed")))
	assert.True(t, stateValuesEqual(100, int64(100)))
	assert.True(t, stateValuesEqual(int64(100), int64(100)))
	assert.True(t, stateValuesEqual(true, int64(1)))
	assert.True(t, stateValuesEqual(nil, nil))

	assert.False(t, stateValuesEqual("closed", "refunded"))
	assert.False(t, stateValuesEqual(100, "100"))
	assert.False(t, stateValuesEqual(false, int64(1)))
	assert.False(t, stateValuesEqual(nil, int64(0)))
}

func TestMatchArgs(t *testing.T) {
	actual := map[string]any{"channel_id": "c1", "amount": json.Number("1000")}

	assert.True(t, matchArgs(actual, nil))
	assert.True(t, matchArgs(actual, map[string]any{"amount": 1000}))
	assert.True(t, matchArgs(actual, map[string]any{"channel_id": "c1"}))
	assert.False(t, matchArgs(actual, map[string]any{"channel_id": "c2"}))
	assert.False(t, matchArgs(actual, map[string]any{"missing": 1}))
	assert.False(t, matchArgs("not a map", map[string]any{"a": 1}))
}
