package runtime

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/abi"
	"github.com/wippyai/wasm-bridge/arena"
	"github.com/wippyai/wasm-bridge/errors"
)

const tracerName = "github.com/wippyai/wasm-bridge/runtime"

// Stats is a snapshot of runtime activity.
type Stats struct {
	Sessions         int
	Submits          uint64
	Polls            uint64
	Batches          uint64
	Delivered        uint64
	CallbackFailures uint64
	Undeliverable    uint64
}

type counters struct {
	submits          atomic.Uint64
	polls            atomic.Uint64
	batches          atomic.Uint64
	delivered        atomic.Uint64
	callbackFailures atomic.Uint64
	undeliverable    atomic.Uint64
}

// dispatchKey marks a context handed to callbacks.
type dispatchKey struct{}

// Runtime owns one guest engine instance and the sessions opened on it.
type Runtime struct {
	guest    wasmbridge.Guest
	arena    *arena.Arena
	registry *Registry
	log      *zap.Logger
	tracer   trace.Tracer
	sessions map[uint32]*Session
	sem      chan struct{}
	cfg      config
	stats    counters
	engine   uint64
	mode     abi.Mode
	closed   bool
}

// New creates an engine instance on guest and resolves its addressing mode.
func New(ctx context.Context, guest wasmbridge.Guest, opts ...Option) (*Runtime, error) {
	if guest == nil {
		return nil, errors.NotInitialized(errors.PhaseEngine, "guest")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxBatchRecords == 0 {
		return nil, errors.InvalidInput(errors.PhaseConfig, "max batch records must be positive")
	}
	if cfg.policy != DispatchIsolate && cfg.policy != DispatchAbort {
		return nil, errors.InvalidInput(errors.PhaseConfig, "unknown dispatch policy")
	}
	log := cfg.logger
	if log == nil {
		log = Logger()
	}
	tp := cfg.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	engine, err := guest.NewEngine(ctx)
	if err != nil {
		return nil, errors.Call("new_engine", err)
	}
	wide, err := guest.Wide(ctx)
	if err != nil {
		return nil, multierr.Append(
			errors.Call("addressing_mode", err),
			wrapCall("delete_engine", guest.DeleteEngine(ctx, engine)),
		)
	}
	mode := abi.ModeOf(wide)

	r := &Runtime{
		guest:    guest,
		arena:    arena.New(guest.Memory(), guest, mode),
		registry: NewRegistry(),
		log:      log.With(zap.Uint64("engine", engine)),
		tracer:   tp.Tracer(tracerName),
		sessions: make(map[uint32]*Session),
		sem:      make(chan struct{}, 1),
		cfg:      cfg,
		engine:   engine,
		mode:     mode,
	}
	r.log.Debug("engine created", zap.Stringer("mode", mode), zap.Stringer("policy", cfg.policy))
	return r, nil
}

// Mode returns the addressing mode resolved at creation.
func (r *Runtime) Mode() abi.Mode {
	return r.mode
}

// Registry returns the session registry.
func (r *Runtime) Registry() *Registry {
	return r.registry
}

// Stats returns a snapshot of counters.
func (r *Runtime) Stats() Stats {
	return Stats{
		Sessions:         r.registry.Len(),
		Submits:          r.stats.submits.Load(),
		Polls:            r.stats.polls.Load(),
		Batches:          r.stats.batches.Load(),
		Delivered:        r.stats.delivered.Load(),
		CallbackFailures: r.stats.callbackFailures.Load(),
		Undeliverable:    r.stats.undeliverable.Load(),
	}
}

// Sessions returns the ids of open sessions in ascending order.
func (r *Runtime) Sessions() []uint32 {
	return r.registry.IDs()
}

// NewSession opens a session on the engine and registers cb for its messages.
func (r *Runtime) NewSession(ctx context.Context, cb Callback) (_ *Session, err error) {
	if cb == nil {
		return nil, errors.InvalidInput(errors.PhaseSession, "nil callback")
	}
	release, err := r.acquire(ctx, "new_session")
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, end := r.span(ctx, "wasmbridge.session.open")
	defer func() { end(err) }()

	id, err := r.guest.NewSession(ctx, r.engine)
	if err != nil {
		return nil, errors.Call("new_session", err)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("wasmbridge.client_id", int64(id)))

	// a duplicate id belongs to a live session; closing it here would end that one
	if err := r.registry.Register(id, cb); err != nil {
		r.log.Error("engine reused a live client id", zap.Uint32("client", id), zap.Error(err))
		return nil, err
	}

	s := &Session{rt: r, id: id}
	r.sessions[id] = s
	r.log.Debug("session opened", zap.Uint32("client", id))
	return s, nil
}

// Close closes every open session and deletes the engine.
// Calling Close again is a no-op.
func (r *Runtime) Close(ctx context.Context) error {
	release, err := r.acquire(ctx, "close")
	if err != nil {
		if errors.Is(err, errors.Closed("")) {
			return nil
		}
		return err
	}
	defer release()

	var errs error
	for id, s := range r.sessions {
		s.closed.Store(true)
		r.registry.Unregister(id)
		if err := r.guest.CloseSession(ctx, r.engine, id); err != nil {
			errs = multierr.Append(errs, errors.New(errors.PhaseEngine, errors.KindCall).
				Op("close_session").
				Client(id).
				Cause(err).
				Build())
		}
	}
	r.sessions = nil
	errs = multierr.Append(errs, wrapCall("delete_engine", r.guest.DeleteEngine(ctx, r.engine)))
	r.closed = true

	if errs != nil {
		r.log.Warn("engine closed with errors", zap.Error(errs))
	} else {
		r.log.Debug("engine closed")
	}
	return errs
}

// acquire takes the engine lock. It fails on a closed runtime, on a context
// that already carries this runtime's dispatch marker, and on cancellation.
func (r *Runtime) acquire(ctx context.Context, op string) (func(), error) {
	if owner, ok := ctx.Value(dispatchKey{}).(*Runtime); ok && owner == r {
		return nil, errors.Reentrant(op)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.closed {
		<-r.sem
		return nil, errors.Closed("engine")
	}
	return func() { <-r.sem }, nil
}

func (r *Runtime) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := r.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// exchange runs one guest call that yields a response batch, then decodes,
// dispatches and frees that batch. call may return a batch pointer together
// with an error; the batch is still processed.
func (r *Runtime) exchange(ctx context.Context, op string, s *Session, call func(context.Context) (uint64, error)) (err error) {
	release, err := r.acquire(ctx, op)
	if err != nil {
		return err
	}
	defer release()

	if s.closed.Load() {
		return s.closedErr()
	}

	ctx, end := r.span(ctx, "wasmbridge."+op, attribute.Int64("wasmbridge.client_id", int64(s.id)))
	defer func() { end(err) }()

	ptr, callErr := call(ctx)
	if ptr == 0 {
		return callErr
	}

	batch, err := OpenBatch(ctx, r.arena, ptr, r.cfg.maxBatchRecords, r.log)
	if err != nil {
		return multierr.Append(callErr, err)
	}
	r.stats.batches.Add(1)
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("wasmbridge.records", batch.Len()))

	defer func() {
		if cerr := batch.Close(ctx); cerr != nil {
			r.log.Warn("batch release failed", zap.String("op", op), zap.Uint64("batch", ptr), zap.Error(cerr))
			err = multierr.Append(err, cerr)
		}
	}()

	r.log.Debug("batch received",
		zap.String("op", op),
		zap.Uint32("client", s.id),
		zap.Uint64("batch", ptr),
		zap.Int("records", batch.Len()))

	return multierr.Append(callErr, r.dispatch(ctx, batch))
}

// dispatch delivers each record of b in table order.
func (r *Runtime) dispatch(ctx context.Context, b *Batch) error {
	recs, err := b.Records()
	if err != nil {
		return err
	}

	ctx = context.WithValue(ctx, dispatchKey{}, r)

	var errs error
	for i := range recs {
		msg, err := b.Message(i)
		if err == nil {
			err = r.registry.Dispatch(ctx, msg.ClientID, msg.Data)
		}
		if err == nil {
			r.stats.delivered.Add(1)
			continue
		}

		if errors.Is(err, &errors.Error{Phase: errors.PhaseDispatch, Kind: errors.KindCallback}) {
			r.stats.callbackFailures.Add(1)
		} else {
			r.stats.undeliverable.Add(1)
		}
		r.log.Warn("record not delivered",
			zap.Int("index", i),
			zap.Uint32("client", recs[i].ClientID),
			zap.Uint32("len", recs[i].Len),
			zap.Error(err))
		errs = multierr.Append(errs, err)

		if r.cfg.policy == DispatchAbort {
			if rest := len(recs) - i - 1; rest > 0 {
				r.log.Warn("dispatch aborted", zap.Int("skipped", rest))
			}
			break
		}
	}
	return errs
}

func wrapCall(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.Call(op, err)
}
