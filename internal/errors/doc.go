// Package errors defines the error taxonomy shared by the bridge components.
//
// Every failure surfaced by the transport, correlation table, subscription
// registry and coordinator matches exactly one kind with errors.Is:
//
//   - ErrConnection: dial failures, link loss, sending while not connected
//   - ErrAuthentication: the peer rejected the access token
//   - ErrProtocol: unexpected or undecodable wire messages
//   - ErrTimeout: a request or receive did not complete in time
//   - ErrSubscription: subscribe/unsubscribe rejected by the peer
//   - ErrCommand: the peer answered a command with success=false
//
// Import it as errs to avoid shadowing the standard library package.
package errors
