// Package engine hosts the compute engine as a WebAssembly module.
//
// # Overview
//
// A [Runtime] owns a wazero runtime and a cache of compiled modules. Each call
// to [Runtime.Load] instantiates a fresh, isolated engine [Module], so any
// number of relay instances can run side by side in one process.
//
// # Module ABI
//
// The engine module must export:
//
//	memory
//	alloc(size i32) -> i32
//	handle_message(ptr i32, len i32) -> i64
//	poll() -> i64
//
// and may export free(ptr i32, size i32), _initialize and init. The i64
// results pack ptr<<32 | len of a batch buffer in linear memory. A batch
// buffer is a sequence of entries, each a little-endian u32 length followed by
// that many bytes. A zero length is the empty batch.
//
// # Host Imports
//
// Modules may import from the "psp_host" module:
//
//	log(ptr i32, len i32)   engine log line, forwarded to the runtime logger
//	now_ms() -> f64         wall clock in milliseconds
//
// # Basic Usage
//
//	rt, err := engine.NewRuntime(ctx, engine.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	mod, err := rt.Load(ctx, wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mod.Close(ctx)
//
//	responses, err := mod.HandleMessage(ctx, request)
package engine
