// Package storage defines the projection store contracts for the indexer.
//
// A projection store holds the latest grid, the transition history it was
// built from, and the checkpoint of the last applied sequence number. All
// three move together: an Apply either commits every change or none.
// Implementations live in subpackages (sqlite, memory).
//
// Common error types:
//   - ErrNotFound: requested record is missing
//   - ErrSequenceGap: transition is not checkpoint+1
//   - ErrAlreadyApplied: transition is already stored at the same position
//   - ErrHistoryDiverged: a stored seq was committed at a different position
package storage
