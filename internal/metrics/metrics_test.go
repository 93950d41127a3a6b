package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenwadike/dan/internal/events"
	"github.com/cenwadike/dan/internal/runtime"
)

func TestObserveReceipt(t *testing.T) {
	m := New()
	m.ObserveReceipt(runtime.Receipt{Instruction: "open_channel", Status: runtime.StatusOK}, time.Millisecond)
	m.ObserveReceipt(runtime.Receipt{Instruction: "open_channel", Status: runtime.StatusOK}, time.Millisecond)
	m.ObserveReceipt(runtime.Receipt{
		Instruction: "close_channel",
		Status:      runtime.StatusFailed,
		Error:       &runtime.ReceiptError{Code: "InvalidSecret", Class: runtime.ClassDomain},
	}, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transactions.WithLabelValues("open_channel", "ok", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transactions.WithLabelValues("close_channel", "failed", "InvalidSecret")))
}

func TestEmitAndKeeper(t *testing.T) {
	m := New()
	m.Emit(events.Envelope{Name: "ChannelOpened"})
	m.KeeperCharged(1000)
	m.KeeperCharged(500)
	m.KeeperOpenChannels(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("ChannelOpened")))
	assert.Equal(t, 1500.0, testutil.ToFloat64(m.keeperSpend))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.keeperOpen))
}

func TestHandler(t *testing.T) {
	m := New()
	m.Emit(events.Envelope{Name: "RefundClaimed"})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `dan_events_total{name="RefundClaimed"} 1`))
}
