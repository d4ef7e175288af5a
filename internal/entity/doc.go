// Package entity keeps a local copy of Home Assistant entity states.
//
// The Cache is fed by derived state changes and periodically reseeded by
// the Reconciler from a full get_states listing.
package entity
