// Package auction holds the grid auction rules.
//
// The same rules run twice: inside the ledger, where Decide proposes a
// transition for a purchase attempt, and inside the projection, where Apply
// folds committed transitions and re-checks them. Both are pure functions of
// the current grid and their input; neither mutates the grid it is given.
package auction
