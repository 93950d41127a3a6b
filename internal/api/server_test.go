package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenwadike/dan/internal/channel"
	"github.com/cenwadike/dan/internal/events"
	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/npc"
	"github.com/cenwadike/dan/internal/program"
	"github.com/cenwadike/dan/internal/registry"
	"github.com/cenwadike/dan/internal/runtime"
	"github.com/cenwadike/dan/internal/runtime/runtimetest"
	"github.com/cenwadike/dan/internal/store"
	"github.com/cenwadike/dan/internal/testutil"
)

var (
	alice = testutil.Keypair("alice")
	bob   = testutil.Keypair("bob")
	carol = testutil.Keypair("carol")
)

type fixture struct {
	*runtimetest.Env
	srv *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := runtimetest.New(t)
	program.Register(env.Runtime)
	for _, kp := range []*ledger.Keypair{alice, bob, carol} {
		env.Fund(kp.Pubkey(), 1_000_000)
	}
	templates, err := registry.NewRegistry(env.Store, testutil.ProgramID)
	require.NoError(t, err)
	t.Cleanup(templates.Close)

	s, err := New(Options{
		Submitter: runtime.SubmitFunc(env.Runtime.Apply),
		Store:     env.Store,
		ProgramID: testutil.ProgramID,
		Templates: templates,
		Time:      env.Clock,
		Bus:       events.NewBus(),
		Metrics: http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(rw, "dan_up 1\n")
		}),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{Env: env, srv: srv}
}

func (f *fixture) post(t *testing.T, body []byte) (int, runtime.Receipt) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+"/v1/transactions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var receipt runtime.Receipt
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusUnprocessableEntity {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&receipt))
	}
	return resp.StatusCode, receipt
}

func (f *fixture) submit(t *testing.T, payer *ledger.Keypair, instruction string, args any, accounts runtime.Accounts) runtime.Receipt {
	t.Helper()
	body, err := f.Tx(payer, instruction, args, accounts).Encode()
	require.NoError(t, err)
	status, receipt := f.post(t, body)
	require.Equal(t, http.StatusOK, status)
	return receipt
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) openChannel(t *testing.T) {
	t.Helper()
	r := f.submit(t, carol, program.CreateTemplate, registry.CreateArgs{TemplateID: "default", Name: "Default"}, nil)
	require.True(t, r.OK(), "%v", r.Error)
	r = f.submit(t, alice, program.OpenChannel, channel.OpenArgs{
		ChannelID:  "c1",
		Amount:     1000,
		Hashlock:   channel.HashSecret([]byte("s1")),
		Timelock:   uint64(runtimetest.Start + 3600),
		TemplateID: "default",
	}, runtime.Accounts{"counter_party": bob.Pubkey()})
	require.True(t, r.OK(), "%v", r.Error)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	var body map[string]any
	assert.Equal(t, http.StatusOK, f.get(t, "/health", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsMounted(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.get(t, "/metrics", nil))
}

func TestSubmit_SchemaViolation(t *testing.T) {
	f := newFixture(t)
	for name, body := range map[string]string{
		"not json":           `{`,
		"missing message":    `{"signatures":{}}`,
		"unknown field":      `{"message":{"payer":"x","instruction":"transfer","args":{},"nonce":"n"},"signatures":{},"extra":1}`,
		"payer not base58":   `{"message":{"payer":"0OIl0OIl0OIl0OIl0OIl0OIl0OIl0OIl","instruction":"transfer","args":{},"nonce":"n"},"signatures":{"x":"y"}}`,
		"args not an object": `{"message":{"payer":"` + alice.Pubkey().String() + `","instruction":"transfer","args":[],"nonce":"n"},"signatures":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			status, _ := f.post(t, []byte(body))
			assert.Equal(t, http.StatusBadRequest, status)
		})
	}
}

func TestSubmit_RejectedAnswers422(t *testing.T) {
	f := newFixture(t)
	tx := f.Tx(alice, "no_such_instruction", map[string]any{}, nil)
	body, err := tx.Encode()
	require.NoError(t, err)

	status, receipt := f.post(t, body)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, runtime.StatusRejected, receipt.Status)
	assert.Equal(t, string(runtime.FaultUnknownInstruction), receipt.Code())
}

func TestSubmit_FailedIsLogged(t *testing.T) {
	f := newFixture(t)
	receipt := f.submit(t, alice, program.OpenChannel, channel.OpenArgs{
		ChannelID: "c1", Amount: 10, Timelock: uint64(runtimetest.Start + 10), TemplateID: "missing",
	}, runtime.Accounts{"counter_party": bob.Pubkey()})
	assert.Equal(t, runtime.StatusFailed, receipt.Status)

	var view transactionView
	require.Equal(t, http.StatusOK, f.get(t, "/v1/transactions/"+receipt.TxID, &view))
	assert.Equal(t, runtime.StatusFailed, view.Status)
	require.NotNil(t, view.Error)
	assert.Equal(t, receipt.Code(), view.Error.Code)
}

func TestChannelLifecycle(t *testing.T) {
	f := newFixture(t)
	f.openChannel(t)

	var ch channelView
	require.Equal(t, http.StatusOK, f.get(t, "/v1/channels/"+alice.Pubkey().String()+"/c1", &ch))
	assert.Equal(t, bob.Pubkey(), ch.Channel.CounterParty)
	assert.Equal(t, carol.Pubkey(), ch.Channel.TemplateCreator)
	assert.Equal(t, uint64(1000), ch.Custody)
	assert.False(t, ch.Expired)

	var acct accountView
	require.Equal(t, http.StatusOK, f.get(t, "/v1/accounts/"+ch.Address.String(), &acct))
	assert.Equal(t, store.KindChannel, acct.Kind)
	assert.Equal(t, f.Deposit(channel.Space)+1000, acct.Lamports)

	r := f.submit(t, bob, program.CloseChannel, channel.CloseArgs{
		ChannelID: "c1", Secret: channel.Secret("s1"), FinalBalance: 500,
	}, runtime.Accounts{"owner": alice.Pubkey(), "counter_party": bob.Pubkey(), "template_creator": carol.Pubkey()})
	require.True(t, r.OK(), "%v", r.Error)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/channels/"+alice.Pubkey().String()+"/c1", nil))

	var history []settlementView
	require.Equal(t, http.StatusOK, f.get(t, "/v1/channels/history?owner="+alice.Pubkey().String(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, store.SettlementClosed, history[0].Status)
	assert.Equal(t, uint64(100), history[0].Royalty)
	assert.Equal(t, uint64(400), history[0].Fee)
	assert.Equal(t, uint64(500), history[0].Refund)

	var evs []events.Envelope
	require.Equal(t, http.StatusOK, f.get(t, "/v1/events?channel_id=c1", &evs))
	require.Len(t, evs, 2)
	assert.Equal(t, "ChannelOpened", evs[0].Name)
	assert.Equal(t, "ChannelClosed", evs[1].Name)

	require.Equal(t, http.StatusOK, f.get(t, "/v1/events?channel_id=c1&after="+jsonInt(evs[0].Seq), &evs))
	assert.Len(t, evs, 1)
}

func TestTransactionsListing(t *testing.T) {
	f := newFixture(t)
	f.openChannel(t)

	var txs []transactionView
	require.Equal(t, http.StatusOK, f.get(t, "/v1/transactions", &txs))
	require.Len(t, txs, 2)
	assert.Equal(t, program.CreateTemplate, txs[0].Instruction)
	assert.Equal(t, program.OpenChannel, txs[1].Instruction)

	require.Equal(t, http.StatusOK, f.get(t, "/v1/transactions?limit=1", &txs))
	assert.Len(t, txs, 1)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/transactions?limit=-1", nil))
}

func TestGetTemplate(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/templates/default", nil))
	f.openChannel(t)

	var tmpl templateView
	require.Equal(t, http.StatusOK, f.get(t, "/v1/templates/default", &tmpl))
	assert.Equal(t, "default", tmpl.TemplateID)
	assert.Equal(t, carol.Pubkey(), tmpl.Creator)
	assert.Equal(t, "Default", tmpl.Name)
}

func TestGetNpc(t *testing.T) {
	f := newFixture(t)
	f.openChannel(t)
	r := f.submit(t, alice, program.InitNpc, npc.InitArgs{NpcID: "n1", GameID: "g1", TemplateID: "default"}, nil)
	require.True(t, r.OK(), "%v", r.Error)
	r = f.submit(t, alice, program.UpdateNpc, npc.UpdateArgs{NpcID: "n1", GameID: "g1", Action: "wave", Dialogue: "hi"},
		runtime.Accounts{"creator": alice.Pubkey()})
	require.True(t, r.OK(), "%v", r.Error)

	var view npcView
	require.Equal(t, http.StatusOK, f.get(t, "/v1/npcs/"+alice.Pubkey().String()+"/g1/n1", &view))
	assert.Equal(t, "hi", view.State.Dialogue)
	assert.Equal(t, npc.MemoryEntry("wave", runtimetest.Start), view.Memory.Data)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/npcs/"+alice.Pubkey().String()+"/g1/n2", nil))
}

func TestBadPaths(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/accounts/not-a-key", nil))
	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/accounts/"+testutil.Pubkey("nobody").String(), nil))
	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/transactions/unknown", nil))
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/events?after=x", nil))
	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/channels/"+alice.Pubkey().String()+"/c1", nil))
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
