// Package wasmbridge connects a host process to a compute engine that runs
// inside a separate linear memory arena, such as a WebAssembly module.
//
// The host cannot inspect the engine's memory except through offsets and
// lengths. This module moves request bytes into the arena, calls the
// engine's synchronous entry points, decodes the batch of responses it
// returns, routes each response to the session it is addressed to, and
// frees every arena allocation exactly once.
//
// # Architecture Overview
//
//	wasmbridge/          Root package with Memory, Allocator and Guest interfaces
//	├── abi/             Addressing mode and the header/record wire codec
//	├── arena/           Scoped allocation facade and a simulated arena (Heap)
//	├── runtime/         Engine handle, sessions, session registry, batches
//	├── engine/          wazero binding that exposes a guest module as a Guest
//	├── loopback/        In-process engine used by tests and the demo CLI
//	├── errors/          Structured error types
//	├── internal/        Opt-in OTLP tracing setup for the CLI
//	└── cmd/bridge/      Command line and interactive session console
//
// # Quick Start
//
//	eng, err := engine.NewWazeroEngine(ctx, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close(ctx)
//
//	guest, err := eng.LoadModule(ctx, wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	rt, err := runtime.New(ctx, guest)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	sess, err := rt.NewSession(ctx, func(ctx context.Context, data []byte) error {
//	    fmt.Printf("%s\n", data) // data is only valid during the callback
//	    return nil
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sess.Close(ctx)
//
//	if err := sess.Submit(ctx, request); err != nil {
//	    log.Fatal(err)
//	}
//
// # Wire Format
//
// Every entry point that produces output returns a pointer to a header:
//
//	Narrow: count u32 @0, table u32 @4              (8 bytes)
//	Wide:   count u32 @0, table u64 @4              (12 bytes)
//
// The table holds count records:
//
//	Narrow: data u32, len u32, client_id u32        (12 bytes)
//	Wide:   data u64, len u32, client_id u32        (16 bytes)
//
// All integers are little-endian.
//
// # Thread Safety
//
// A Runtime serializes every call into the engine. Sessions may be used
// from multiple goroutines; their calls are processed one at a time.
// Callbacks run inside that critical section and must not block on other
// calls into the same Runtime.
package wasmbridge
