// Package reconnect restores a lost connection.
//
// A Supervisor waits with a capped doubling backoff, retries the connect
// function until it succeeds or its context ends, then starts the replay
// function in the background and returns.
package reconnect
