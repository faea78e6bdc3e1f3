// Package runtime drives a guest engine through its request/poll protocol.
//
// # Quick Start
//
//	ctx := context.Background()
//	rt, err := runtime.New(ctx, guest)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	sess, err := rt.NewSession(ctx, func(ctx context.Context, msg []byte) error {
//	    fmt.Printf("got %q\n", msg)
//	    return nil
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sess.Close(ctx)
//
//	// Deliver a request; responses reach their sessions before Submit returns.
//	if err := sess.Submit(ctx, []byte("hello")); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Drain messages the engine produced on its own.
//	if err := sess.Poll(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Batches
//
// Every handle_request and poll returns a response batch: a header pointing at
// a record table, each record pointing at a payload owned by the host once
// returned. A Batch takes ownership of the header pointer, reads the table
// once and frees payloads, then the table, then the header.
//
// Records may be addressed to any session of the same runtime, not only the
// caller. A record for an unknown client id is reported as a not_found error.
//
// # Callbacks
//
// Callbacks run while the runtime holds its engine lock. The byte slice they
// receive aliases guest memory and is invalid once the callback returns, so
// callbacks copy what they keep. Calling Submit, Poll, NewSession or Close with
// the context a callback was handed returns a reentrant error.
//
// The DispatchPolicy option decides what a failing callback does to the rest
// of its batch: DispatchIsolate (default) keeps delivering, DispatchAbort
// stops. Either way every buffer in the batch is freed.
//
// # Concurrency
//
// A Runtime is safe for concurrent use. All guest calls are serialized;
// waiting for the lock honours context cancellation.
package runtime
