// Package schedule loads the static schedule document and resolves the
// blocks in force for a given day.
package schedule
