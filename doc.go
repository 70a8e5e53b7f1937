// Package psprelay hosts a binary-protocol compute engine, compiled to
// WebAssembly, behind a message relay that works the same over an in-process
// channel and over a WebSocket.
//
// # Overview
//
// Each relay owns one engine instance. A client first sends an init message,
// which loads the engine exactly once, then engine requests. Every request is
// passed to the engine's handle_message export and its responses are relayed
// back in order. Afterwards the relay drains the engine's poll export and
// relays whatever the engine produced on its own, such as subscription
// updates, before the next request is processed.
//
// # In-process Usage
//
//	rt, _ := engine.NewRuntime(ctx)
//	defer rt.Close(ctx)
//
//	tr, r := relay.Spawn(ctx, rt.Loader(nil))
//	defer r.Close()
//
//	c := client.New(tr, client.WithPushHandler(onPush))
//	go c.Run(ctx)
//
//	c.Init(ctx, wasm)
//	resp, err := c.Request(ctx, req)
//
// # Server Usage
//
//	srv, _ := server.New(rt.Loader(defaultWasm), server.WithLogger(logger))
//	srv.ListenAndServe(ctx, ":8080")
//
//	c := client.New(transport.DialSocket(ctx, "ws://localhost:8080/ws"))
//	go c.Run(ctx)
//	c.Init(ctx, nil) // the server's default engine
//
// See the [relay], [transport], [engine], [lifecycle] and [protocol] packages
// for details, and cmd/psprelay for the command line tool.
package psprelay
