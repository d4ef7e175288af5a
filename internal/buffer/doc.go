// Package buffer provides the bounded FIFO queue used for per-handler
// delivery mailboxes and for the ledger recorder's input.
//
// Queue starts small, doubles its ring when 70% full, and refuses items once
// the configured maximum capacity is reached. Receive blocks; Close lets
// receivers drain what is left before reporting the queue as closed.
package buffer
