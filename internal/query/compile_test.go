package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_NoFilter(t *testing.T) {
	sql, params, err := Compile(Select{
		From:    "events",
		Columns: []string{"seq", "name"},
		OrderBy: "seq",
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT seq, name FROM events ORDER BY seq ASC", sql)
	assert.Empty(t, params)
}

func TestCompile_FilterAndLimit(t *testing.T) {
	sql, params, err := Compile(Select{
		From:    "events",
		Columns: []string{"seq", "payload"},
		Filter: And{Predicates: []Predicate{
			Equals{Field: "name", Value: "ChannelClosed"},
			After{Field: "seq", Value: 10},
		}},
		OrderBy: "seq",
		Limit:   50,
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT seq, payload FROM events WHERE name = ? AND seq > ? ORDER BY seq ASC LIMIT ?", sql)
	assert.Equal(t, []any{"ChannelClosed", int64(10), 50}, params)
}

func TestCompile_ValuesNeverInterpolated(t *testing.T) {
	sql, params, err := Compile(Select{
		From:    "channel_history",
		Columns: []string{"address"},
		Filter:  Equals{Field: "owner", Value: "x' OR '1'='1"},
		OrderBy: "seq",
	})
	require.NoError(t, err)
	assert.NotContains(t, sql, "OR '1'")
	assert.Equal(t, []any{"x' OR '1'='1"}, params)
}

func TestCompile_Rejects(t *testing.T) {
	tests := []struct {
		name string
		q    Select
	}{
		{"bad table", Select{From: "events; DROP", Columns: []string{"seq"}, OrderBy: "seq"}},
		{"no columns", Select{From: "events", OrderBy: "seq"}},
		{"bad column", Select{From: "events", Columns: []string{"*"}, OrderBy: "seq"}},
		{"no order", Select{From: "events", Columns: []string{"seq"}}},
		{"bad field", Select{From: "events", Columns: []string{"seq"}, OrderBy: "seq", Filter: Equals{Field: "1=1", Value: "x"}}},
		{"bad value", Select{From: "events", Columns: []string{"seq"}, OrderBy: "seq", Filter: Equals{Field: "name", Value: 1.5}}},
		{"negative limit", Select{From: "events", Columns: []string{"seq"}, OrderBy: "seq", Limit: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Compile(tt.q)
			assert.Error(t, err)
		})
	}
}

func TestWhere(t *testing.T) {
	assert.Nil(t, Where(nil, EqualsIf("owner", "")))

	single := Where(EqualsIf("owner", "alice"), nil)
	assert.Equal(t, Equals{Field: "owner", Value: "alice"}, single)

	both := Where(EqualsIf("owner", "alice"), EqualsIf("status", "closed"))
	sql, params, err := Compile(Select{From: "channel_history", Columns: []string{"address"}, Filter: both, OrderBy: "seq"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT address FROM channel_history WHERE owner = ? AND status = ? ORDER BY seq ASC", sql)
	assert.Equal(t, []any{"alice", "closed"}, params)
}
