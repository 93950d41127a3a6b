package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cenwadike/dan/internal/events"
	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/store"
)

const tracerName = "github.com/cenwadike/dan/internal/runtime"

// Handler executes one instruction. Returning an error rolls back every
// write the handler made.
type Handler func(ctx Context, args json.RawMessage) error

// Observer is told about every receipt after the store commits.
type Observer interface {
	ObserveReceipt(r Receipt, elapsed time.Duration)
}

// Runtime applies transactions to the store one at a time.
//
// Thread-safety model:
//   - Apply(): safe from any goroutine; transitions are serialized by a mutex
//   - Submit(): safe from any goroutine; requires Run to be active
//   - Run(): must be called from exactly one goroutine
//
// INVARIANTS:
//   - A transition commits all of its writes or none of them
//   - Events reach emitters only after their transition committed
//   - Logged transactions carry dense, increasing seq values
type Runtime struct {
	store     *store.Store
	programID ledger.Pubkey
	clock     *Clock
	time      TimeSource
	rent      Rent
	emitter   events.Emitter
	observer  Observer
	logger    *slog.Logger
	tracer    trace.Tracer
	handlers  map[string]Handler
	queue     *submitQueue

	mu sync.Mutex
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithTimeSource sets the time source timelocks are compared against.
func WithTimeSource(ts TimeSource) Option {
	return func(r *Runtime) { r.time = ts }
}

// WithRent sets the deposit schedule.
func WithRent(rent Rent) Option {
	return func(r *Runtime) { r.rent = rent }
}

// WithEmitter sets where committed events are delivered.
func WithEmitter(e events.Emitter) Option {
	return func(r *Runtime) { r.emitter = e }
}

// WithObserver sets the receipt observer.
func WithObserver(o Observer) Option {
	return func(r *Runtime) { r.observer = o }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithTracer sets the tracer. Default: the global OpenTelemetry provider.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runtime) { r.tracer = t }
}

// New creates a Runtime over s. The logical clock resumes after the last
// logged transaction.
func New(ctx context.Context, s *store.Store, programID ledger.Pubkey, opts ...Option) (*Runtime, error) {
	last, err := s.LastSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore clock: %w", err)
	}
	r := &Runtime{
		store:     s,
		programID: programID,
		clock:     NewClockAt(last),
		time:      SystemTime{},
		rent:      DefaultRent(),
		emitter:   events.NoopEmitter{},
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		handlers:  make(map[string]Handler),
		queue:     newSubmitQueue(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register binds an instruction name to its handler.
// Panics on a duplicate name: the instruction table is fixed at startup.
func (r *Runtime) Register(name string, h Handler) {
	if _, dup := r.handlers[name]; dup {
		panic(fmt.Sprintf("runtime: instruction %q registered twice", name))
	}
	r.handlers[name] = h
}

// ProgramID returns the id that owns every record.
func (r *Runtime) ProgramID() ledger.Pubkey { return r.programID }

// Store returns the backing store for reads.
func (r *Runtime) Store() *store.Store { return r.store }

// Rent returns the deposit schedule.
func (r *Runtime) Rent() Rent { return r.rent }

// Now reads the runtime's time source.
func (r *Runtime) Now() int64 { return r.time.Now() }

// Seq returns the seq of the last logged transaction.
func (r *Runtime) Seq() int64 { return r.clock.Current() }

// Apply verifies and applies one transaction at the time source's current
// reading.
//
// The returned error is non-nil only for infrastructure failures (the
// store, an unclassified handler error); instruction failures are reported
// in the receipt.
func (r *Runtime) Apply(ctx context.Context, tx *Transaction) (Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apply(ctx, tx, r.time.Now())
}

// ApplyAt applies tx as if the time source read now. Used to replay a log
// with the times it was originally applied at.
func (r *Runtime) ApplyAt(ctx context.Context, tx *Transaction, now int64) (Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apply(ctx, tx, now)
}

func (r *Runtime) apply(ctx context.Context, tx *Transaction, now int64) (Receipt, error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "runtime.apply",
		trace.WithAttributes(attribute.String("dan.instruction", tx.Message.Instruction)))
	defer span.End()

	receipt := Receipt{Instruction: tx.Message.Instruction}
	reject := func(err error) (Receipt, error) {
		receipt.Status = StatusRejected
		receipt.Error = errorOf(err)
		span.SetAttributes(attribute.String("dan.status", receipt.Status), attribute.String("dan.code", receipt.Error.Code))
		r.logger.Warn("transaction rejected",
			"tx_id", receipt.TxID,
			"instruction", receipt.Instruction,
			"code", receipt.Error.Code,
			"error", receipt.Error.Message,
		)
		r.observe(receipt, start)
		return receipt, nil
	}

	id, err := tx.ID()
	if err != nil {
		return reject(err)
	}
	receipt.TxID = id
	span.SetAttributes(attribute.String("dan.tx_id", id))

	if err := tx.Validate(); err != nil {
		return reject(err)
	}
	handler, ok := r.handlers[tx.Message.Instruction]
	if !ok {
		return reject(NewFault(FaultUnknownInstruction, "unknown instruction %q", tx.Message.Instruction))
	}
	signers, err := tx.VerifySignatures()
	if err != nil {
		return reject(err)
	}
	msg, err := tx.Message.executable()
	if err != nil {
		return reject(err)
	}
	raw, err := tx.Encode()
	if err != nil {
		return reject(NewFault(FaultMalformedTransaction, "encode: %v", err))
	}

	seq := r.clock.Current() + 1
	var envs []events.Envelope
	err = r.store.Update(ctx, func(st *store.Tx) error {
		seen, err := st.HasTransaction(id)
		if err != nil {
			return err
		}
		if seen {
			return NewFault(FaultAlreadyProcessed, "transaction %s already processed", id)
		}

		if err := st.Savepoint("instruction"); err != nil {
			return err
		}
		ec := &execContext{
			rt:      r,
			tx:      st,
			now:     now,
			seq:     seq,
			txID:    id,
			msg:     msg,
			signers: signers,
		}
		herr := handler(ec, ec.msg.Args)
		if herr != nil {
			if _, _, ok := Classify(herr); !ok {
				return fmt.Errorf("instruction %s: %w", tx.Message.Instruction, herr)
			}
			if err := st.RollbackTo("instruction"); err != nil {
				return err
			}
			receipt.Status = StatusFailed
			receipt.Error = errorOf(herr)
		} else {
			if err := st.Release("instruction"); err != nil {
				return err
			}
			receipt.Status = StatusOK
		}

		rec := store.TxRecord{
			Seq:         seq,
			ID:          id,
			Instruction: tx.Message.Instruction,
			Payer:       tx.Message.Payer,
			Raw:         raw,
			Status:      receipt.Status,
			AppliedAt:   now,
		}
		if receipt.Error != nil {
			rec.ErrorCode = receipt.Error.Code
			rec.ErrorClass = receipt.Error.Class
			rec.ErrorMessage = receipt.Error.Message
		}
		if err := st.AppendTransaction(rec); err != nil {
			return err
		}
		if receipt.Status == StatusOK {
			envs, err = ec.persistEvents()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if IsFault(err, FaultAlreadyProcessed) {
			return reject(err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("transaction aborted",
			"tx_id", id,
			"instruction", tx.Message.Instruction,
			"error", err,
		)
		return Receipt{}, err
	}

	r.clock.Next()
	receipt.Seq = seq
	receipt.AppliedAt = now
	receipt.Events = envs

	for _, env := range envs {
		r.emitter.Emit(env)
	}

	span.SetAttributes(attribute.Int64("dan.seq", seq), attribute.String("dan.status", receipt.Status))
	if receipt.Error != nil {
		span.SetAttributes(attribute.String("dan.code", receipt.Error.Code))
		r.logger.Info("transaction failed",
			"tx_id", id,
			"seq", seq,
			"instruction", receipt.Instruction,
			"code", receipt.Error.Code,
			"class", receipt.Error.Class,
			"error", receipt.Error.Message,
		)
	} else {
		r.logger.Debug("transaction applied",
			"tx_id", id,
			"seq", seq,
			"instruction", receipt.Instruction,
			"events", len(envs),
		)
	}
	r.observe(receipt, start)
	return receipt, nil
}

func (r *Runtime) observe(receipt Receipt, start time.Time) {
	if r.observer != nil {
		r.observer.ObserveReceipt(receipt, time.Since(start))
	}
}

// Bootstrap runs an instruction on behalf of payer without logging it.
// The payer is treated as the only signer and no events are persisted.
// Used by genesis to create records before the log starts; replay runs
// the same genesis, so bootstrapped state is reproducible.
func (r *Runtime) Bootstrap(ctx context.Context, now int64, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	handler, ok := r.handlers[msg.Instruction]
	if !ok {
		return NewFault(FaultUnknownInstruction, "unknown instruction %q", msg.Instruction)
	}
	msg, err := msg.executable()
	if err != nil {
		return err
	}
	return r.store.Update(ctx, func(st *store.Tx) error {
		ec := &execContext{
			rt:      r,
			tx:      st,
			now:     now,
			seq:     0,
			txID:    "genesis",
			msg:     msg,
			signers: map[ledger.Pubkey]bool{msg.Payer: true},
		}
		if err := handler(ec, msg.Args); err != nil {
			return fmt.Errorf("bootstrap %s: %w", msg.Instruction, err)
		}
		return nil
	})
}

// ErrStopped is returned by Submit when the run loop has shut down.
var ErrStopped = errors.New("runtime stopped")
