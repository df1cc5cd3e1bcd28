// Package sqlite implements the projection store on SQLite.
//
// Every Apply runs in one transaction that updates the cell row, the vault
// totals, the transition history and the checkpoint together, so a crash or
// shutdown never leaves the checkpoint and the grid out of step.
package sqlite
