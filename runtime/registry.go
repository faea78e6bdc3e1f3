package runtime

import (
	"context"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/wippyai/wasm-bridge/errors"
)

// Callback receives one message addressed to a session.
// data aliases guest memory and is only valid until the callback returns.
type Callback func(ctx context.Context, data []byte) error

// Registry maps client ids to callbacks.
type Registry struct {
	callbacks *xsync.MapOf[uint32, Callback]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{callbacks: xsync.NewMapOf[uint32, Callback]()}
}

// Register binds cb to id. Nil callbacks and duplicate ids are rejected.
func (r *Registry) Register(id uint32, cb Callback) error {
	if cb == nil {
		return errors.Registration(id, "nil callback")
	}
	if _, loaded := r.callbacks.LoadOrStore(id, cb); loaded {
		return errors.Registration(id, "client id already registered")
	}
	return nil
}

// Unregister removes id and reports whether it was present.
func (r *Registry) Unregister(id uint32) bool {
	_, ok := r.callbacks.LoadAndDelete(id)
	return ok
}

// Dispatch delivers data to the callback registered for id.
// A panicking callback is reported as a callback error.
func (r *Registry) Dispatch(ctx context.Context, id uint32, data []byte) (err error) {
	cb, ok := r.callbacks.Load(id)
	if !ok {
		return errors.UnknownSession(id)
	}

	defer func() {
		if p := recover(); p != nil {
			err = errors.Callback(id, fmt.Errorf("panic: %v", p))
		}
	}()

	if cerr := cb(ctx, data); cerr != nil {
		return errors.Callback(id, cerr)
	}
	return nil
}

// Len returns the number of registered ids.
func (r *Registry) Len() int {
	return r.callbacks.Size()
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []uint32 {
	ids := make([]uint32, 0, r.callbacks.Size())
	r.callbacks.Range(func(id uint32, _ Callback) bool {
		ids = append(ids, id)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
