// Package dispatch classifies inbound messages and delivers them.
//
// Precedence for each message:
//  1. An id still waiting in the correlation table makes it a response. It
//     completes that request and nothing else.
//  2. Otherwise an event is fanned out to every matching subscription, plus
//     the trigger subscription addressed by its id. A state_changed event is
//     also turned into one StateChange for every state handler.
//  3. Anything else is logged and dropped.
//
// Every handler owns a mailbox drained by its own goroutine, so each handler
// sees its deliveries in arrival order and a slow one delays only itself.
package dispatch
