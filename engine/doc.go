// Package engine binds a compiled WebAssembly guest to the bridge protocol.
//
// This package wraps wazero: it compiles a guest module, instantiates it
// (with WASI preview1 available for guests built against wasip1), and exposes
// the guest's protocol exports as a wasmbridge.Guest.
//
// # Architecture
//
//	WazeroEngine  - Owns a wazero runtime, compiles and instantiates guests
//	WazeroModule  - One instantiated guest, implements wasmbridge.Guest
//	WazeroMemory  - Bounds-checked view of the guest's linear memory
//
// # Guest Exports
//
// By default the following exports are bound (see Exports to rename them):
//
//	alloc(size) -> ptr                  arena allocation
//	free(ptr)                           arena release
//	new_engine() -> handle              create an engine instance
//	delete_engine(handle)
//	new_session(handle) -> client_id
//	close_session(handle, client_id)
//	handle_request(handle, client_id, ptr, len) -> batch
//	poll(handle) -> batch
//	addressing_mode() -> i32            non-zero selects 8-byte wire pointers
//	memory                              the exported linear memory
//
// When the guest does not export alloc or free, the legacy names allocate
// and deallocate are tried. A guest exporting _initialize has it called once
// after instantiation. If any required export is absent LoadModule returns a
// MissingExportsError listing all of them.
//
// # Thread Safety
//
// WazeroEngine is safe for concurrent use. WazeroModule serializes its own
// calls, but a guest is single-threaded: callers should hold one engine
// handle per module, as runtime.Runtime does.
//
// # Known Limitations
//
// Memory64: wazero (v1.10.1) does not implement the Memory64 proposal, so
// guest memory is at most 4GiB. Wide addressing still works; it only widens
// pointers on the wire. Offsets above 4GiB are reported as out of bounds.
package engine
