// Package turnqueue implements the request queue behind both playback lanes.
//
// A Queue is a doubly linked list materialized over a map keyed by Turn.
// Turns are issued from a monotonic counter and never reused, so a user can
// address "turn 7" for as long as it exists even after earlier turns were
// removed. Links are turn ids rather than pointers; NoTurn terminates the chain.
//
// A Queue is not safe for concurrent use. The coordinator serializes access.
package turnqueue
