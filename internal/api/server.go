// Package api is the HTTP gateway: it accepts signed transactions and
// serves read-only views of accounts, channels, templates, NPCs, the
// transaction log and the event log.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cenwadike/dan/internal/channel"
	"github.com/cenwadike/dan/internal/events"
	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/npc"
	"github.com/cenwadike/dan/internal/registry"
	"github.com/cenwadike/dan/internal/runtime"
	"github.com/cenwadike/dan/internal/store"
	"github.com/cenwadike/dan/internal/transport/ws"
)

// MaxBodyBytes bounds a submitted transaction.
const MaxBodyBytes = 1 << 20

// Options wires a Server. Submitter, Store and Templates are required.
type Options struct {
	Submitter runtime.Submitter
	Store     *store.Store
	ProgramID ledger.Pubkey
	Templates *registry.Registry
	Time      runtime.TimeSource
	Bus       *events.Bus
	Metrics   http.Handler
	Logger    *slog.Logger
}

// Server routes gateway requests.
type Server struct {
	submit    runtime.Submitter
	store     *store.Store
	programID ledger.Pubkey
	templates *registry.Registry
	time      runtime.TimeSource
	bus       *events.Bus
	metrics   http.Handler
	logger    *slog.Logger
	schema    *jsonschema.Schema
}

// New creates a Server.
func New(opts Options) (*Server, error) {
	if opts.Submitter == nil || opts.Store == nil || opts.Templates == nil {
		return nil, errors.New("api: submitter, store and templates are required")
	}
	schema, err := compileTransactionSchema()
	if err != nil {
		return nil, err
	}
	s := &Server{
		submit:    opts.Submitter,
		store:     opts.Store,
		programID: opts.ProgramID,
		templates: opts.Templates,
		time:      opts.Time,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		schema:    schema,
	}
	if s.time == nil {
		s.time = runtime.SystemTime{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("POST /v1/transactions", s.submitTransaction)
	mux.HandleFunc("GET /v1/transactions", s.listTransactions)
	mux.HandleFunc("GET /v1/transactions/{id}", s.getTransaction)
	mux.HandleFunc("GET /v1/accounts/{address}", s.getAccount)
	mux.HandleFunc("GET /v1/channels/history", s.channelHistory)
	mux.HandleFunc("GET /v1/channels/{owner}/{channel_id}", s.getChannel)
	mux.HandleFunc("GET /v1/templates/{template_id}", s.getTemplate)
	mux.HandleFunc("GET /v1/npcs/{creator}/{game_id}/{npc_id}", s.getNpc)
	mux.HandleFunc("GET /v1/events", s.listEvents)
	if s.bus != nil {
		mux.Handle("GET /v1/stream", ws.NewServer(s.bus, s.logger).Handler())
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown gateway: %w", err)
		}
		return nil
	}
}

func (s *Server) health(rw http.ResponseWriter, r *http.Request) {
	seq, err := s.store.LastSeq(r.Context())
	if err != nil {
		s.fail(rw, http.StatusServiceUnavailable, err, "")
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"status": "ok", "seq": seq})
}

// submitTransaction validates the body, applies it, and returns the receipt.
// A rejected transaction answers 422; ok and failed ones were logged and
// answer 200.
func (s *Server) submitTransaction(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, MaxBodyBytes))
	if err != nil {
		s.fail(rw, http.StatusRequestEntityTooLarge, err, "")
		return
	}
	if err := validateTransaction(s.schema, body); err != nil {
		s.fail(rw, http.StatusBadRequest, err, string(runtime.FaultMalformedTransaction))
		return
	}
	tx, err := runtime.DecodeTransaction(body)
	if err != nil {
		s.fail(rw, http.StatusBadRequest, err, string(runtime.FaultMalformedTransaction))
		return
	}

	receipt, err := s.submit.Submit(r.Context(), tx)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, runtime.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Error("submit transaction", "instruction", tx.Message.Instruction, "error", err)
		s.fail(rw, status, err, "")
		return
	}
	status := http.StatusOK
	if receipt.Status == runtime.StatusRejected {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(rw, status, receipt)
}

func (s *Server) listTransactions(rw http.ResponseWriter, r *http.Request) {
	after, limit, ok := s.paging(rw, r)
	if !ok {
		return
	}
	recs, err := s.store.Transactions(r.Context(), after, limit)
	if err != nil {
		s.fail(rw, http.StatusInternalServerError, err, "")
		return
	}
	out := make([]transactionView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, viewTransaction(rec))
	}
	writeJSON(rw, http.StatusOK, out)
}

func (s *Server) getTransaction(rw http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Transaction(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrTransactionNotFound) {
		s.fail(rw, http.StatusNotFound, err, "")
		return
	}
	if err != nil {
		s.fail(rw, http.StatusInternalServerError, err, "")
		return
	}
	writeJSON(rw, http.StatusOK, viewTransaction(rec))
}

func (s *Server) getAccount(rw http.ResponseWriter, r *http.Request) {
	addr, ok := s.pubkey(rw, r, "address")
	if !ok {
		return
	}
	acct, ok := s.account(rw, r, addr, "")
	if !ok {
		return
	}
	writeJSON(rw, http.StatusOK, viewAccount(acct))
}

func (s *Server) getChannel(rw http.ResponseWriter, r *http.Request) {
	owner, ok := s.pubkey(rw, r, "owner")
	if !ok {
		return
	}
	id := r.PathValue("channel_id")
	addr, err := channel.Address(s.programID, owner, id)
	if err != nil {
		s.fail(rw, http.StatusBadRequest, err, string(runtime.FaultBadDerivation))
		return
	}
	acct, ok := s.account(rw, r, addr, store.KindChannel)
	if !ok {
		return
	}
	var ch channel.PaymentChannel
	if err := json.Unmarshal(acct.Data, &ch); err != nil {
		s.fail(rw, http.StatusInternalServerError, err, "")
		return
	}
	writeJSON(rw, http.StatusOK, channelView{
		ChannelID: id,
		Address:   addr,
		Channel:   ch,
		Custody:   acct.Custody(),
		Expired:   ch.Expired(s.time.Now()),
	})
}

func (s *Server) channelHistory(rw http.ResponseWriter, r *http.Request) {
	after, limit, ok := s.paging(rw, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	rows, err := s.store.Settlements(r.Context(), store.SettlementFilter{
		Owner:     q.Get("owner"),
		ChannelID: q.Get("channel_id"),
		Status:    q.Get("status"),
		After:     after,
		Limit:     limit,
	})
	if err != nil {
		s.fail(rw, http.StatusInternalServerError, err, "")
		return
	}
	out := make([]settlementView, 0, len(rows))
	for _, row := range rows {
		out = append(out, viewSettlement(row))
	}
	writeJSON(rw, http.StatusOK, out)
}

func (s *Server) getTemplate(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("template_id")
	addr, err := registry.Address(s.programID, id)
	if err != nil {
		s.fail(rw, http.StatusBadRequest, err, string(runtime.FaultBadDerivation))
		return
	}
	tmpl, err := s.templates.Get(r.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		s.fail(rw, http.StatusNotFound, err, string(runtime.FaultAccountNotFound))
		return
	}
	if err != nil {
		s.fail(rw, http.StatusInternalServerError, err, "")
		return
	}
	writeJSON(rw, http.StatusOK, templateView{TemplateID: id, Address: addr, Template: tmpl})
}

func (s *Server) getNpc(rw http.ResponseWriter, r *http.Request) {
	creator, ok := s.pubkey(rw, r, "creator")
	if !ok {
		return
	}
	memAddr, stateAddr, err := npc.Addresses(s.programID, creator, r.PathValue("npc_id"), r.PathValue("game_id"))
	if err != nil {
		s.fail(rw, http.StatusBadRequest, err, string(runtime.FaultBadDerivation))
		return
	}
	memAcct, ok := s.account(rw, r, memAddr, store.KindMemory)
	if !ok {
		return
	}
	stateAcct, ok := s.account(rw, r, stateAddr, store.KindState)
	if !ok {
		return
	}
	view := npcView{MemoryAddress: memAddr, StateAddress: stateAddr}
	if err := errors.Join(json.Unmarshal(memAcct.Data, &view.Memory), json.Unmarshal(stateAcct.Data, &view.State)); err != nil {
		s.fail(rw, http.StatusInternalServerError, err, "")
		return
	}
	writeJSON(rw, http.StatusOK, view)
}

func (s *Server) listEvents(rw http.ResponseWriter, r *http.Request) {
	after, limit, ok := s.paging(rw, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	recs, err := s.store.Events(r.Context(), store.EventFilter{
		Name:      q.Get("name"),
		ChannelID: q.Get("channel_id"),
		Owner:     q.Get("owner"),
		TxID:      q.Get("tx_id"),
		After:     after,
		Limit:     limit,
	})
	if err != nil {
		s.fail(rw, http.StatusInternalServerError, err, "")
		return
	}
	out := make([]events.Envelope, 0, len(recs))
	for _, rec := range recs {
		out = append(out, envelopeOf(rec))
	}
	writeJSON(rw, http.StatusOK, out)
}

func (s *Server) account(rw http.ResponseWriter, r *http.Request, addr ledger.Pubkey, kind store.Kind) (store.Account, bool) {
	acct, err := s.store.Account(r.Context(), addr)
	if errors.Is(err, store.ErrAccountNotFound) {
		s.fail(rw, http.StatusNotFound, err, string(runtime.FaultAccountNotFound))
		return store.Account{}, false
	}
	if err != nil {
		s.fail(rw, http.StatusInternalServerError, err, "")
		return store.Account{}, false
	}
	if kind != "" && acct.Kind != kind {
		s.fail(rw, http.StatusNotFound, fmt.Errorf("account %s holds a %s, not a %s", addr, acct.Kind, kind),
			string(runtime.FaultAccountKindMismatch))
		return store.Account{}, false
	}
	return acct, true
}

func (s *Server) pubkey(rw http.ResponseWriter, r *http.Request, name string) (ledger.Pubkey, bool) {
	pk, err := ledger.ParsePubkey(r.PathValue(name))
	if err != nil {
		s.fail(rw, http.StatusBadRequest, fmt.Errorf("%s: %w", name, err), "")
		return ledger.Pubkey{}, false
	}
	return pk, true
}

func (s *Server) paging(rw http.ResponseWriter, r *http.Request) (after int64, limit int, ok bool) {
	q := r.URL.Query()
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.fail(rw, http.StatusBadRequest, fmt.Errorf("after: must be a non-negative integer"), "")
			return 0, 0, false
		}
		after = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.fail(rw, http.StatusBadRequest, fmt.Errorf("limit: must be a non-negative integer"), "")
			return 0, 0, false
		}
		limit = n
	}
	return after, limit, true
}

func (s *Server) fail(rw http.ResponseWriter, status int, err error, code string) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("gateway request failed", "status", status, "error", err)
	}
	writeJSON(rw, status, errorResponse{Error: err.Error(), Code: code})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
