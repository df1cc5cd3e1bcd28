// Package event defines the committed state-change record mirrored from the
// ledger and the single decoding boundary that turns loosely-shaped wire rows
// into it.
//
// Everything past Decode* works with Transition values only: positional rows,
// object rows, envelopes, and numeric strings never travel further.
package event
