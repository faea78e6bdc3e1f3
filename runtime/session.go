package runtime

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/errors"
)

// Session is one client of the engine. It is Open until Close, then Closed.
type Session struct {
	rt     *Runtime
	id     uint32
	closed atomic.Bool
}

// ID returns the engine-assigned client id.
func (s *Session) ID() uint32 {
	return s.id
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Submit sends req to the engine as this session and dispatches the response
// batch before returning. Records addressed to other sessions are delivered to
// them. The returned error aggregates every failure in the exchange.
func (s *Session) Submit(ctx context.Context, req []byte) error {
	if s.closed.Load() {
		return s.closedErr()
	}
	s.rt.stats.submits.Add(1)

	return s.rt.exchange(ctx, "submit", s, func(ctx context.Context) (uint64, error) {
		var batch uint64
		err := s.rt.arena.WithBytes(ctx, req, func(ptr uint64, length uint32) error {
			p, err := s.rt.guest.HandleRequest(ctx, s.rt.engine, s.id, ptr, length)
			if err != nil {
				return errors.New(errors.PhaseEngine, errors.KindCall).
					Op("handle_request").
					Client(s.id).
					Cause(err).
					Build()
			}
			batch = p
			return nil
		})
		return batch, err
	})
}

// Poll asks the engine for messages it produced outside a request and
// dispatches them.
func (s *Session) Poll(ctx context.Context) error {
	if s.closed.Load() {
		return s.closedErr()
	}
	s.rt.stats.polls.Add(1)

	return s.rt.exchange(ctx, "poll", s, func(ctx context.Context) (uint64, error) {
		p, err := s.rt.guest.Poll(ctx, s.rt.engine)
		if err != nil {
			return 0, errors.Call("poll", err)
		}
		return p, nil
	})
}

// Close ends the session on the engine and unregisters its callback.
// Only the first call reaches the engine.
func (s *Session) Close(ctx context.Context) (err error) {
	if s.closed.Load() {
		return nil
	}
	release, err := s.rt.acquire(ctx, "close_session")
	if err != nil {
		if errors.Is(err, errors.Closed("")) {
			s.closed.Store(true)
			return nil
		}
		return err
	}
	defer release()

	if s.closed.Swap(true) {
		return nil
	}

	ctx, end := s.rt.span(ctx, "wasmbridge.session.close", attribute.Int64("wasmbridge.client_id", int64(s.id)))
	defer func() { end(err) }()

	s.rt.registry.Unregister(s.id)
	delete(s.rt.sessions, s.id)

	if err := s.rt.guest.CloseSession(ctx, s.rt.engine, s.id); err != nil {
		return errors.New(errors.PhaseEngine, errors.KindCall).
			Op("close_session").
			Client(s.id).
			Cause(err).
			Build()
	}
	s.rt.log.Debug("session closed", zap.Uint32("client", s.id))
	return nil
}

func (s *Session) closedErr() error {
	return errors.New(errors.PhaseSession, errors.KindClosed).
		Client(s.id).
		Detail("session is closed").
		Build()
}
