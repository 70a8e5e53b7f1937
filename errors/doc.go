// Package errors defines the error taxonomy shared by the relay, its transports
// and its clients.
//
// Every sentinel has a stable wire code. The relay reports failures to a client
// as an error frame carrying that code, and the client maps the code back to
// the same sentinel with [FromCode], so errors.Is works on both sides of a
// transport:
//
//	if errors.Is(err, psperrors.ErrEngineNotReady) {
//	    // send init first
//	}
package errors
