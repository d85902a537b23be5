// Package boundary fires one-shot events when the wall clock reaches a block
// boundary: PreNotificationMinutes before start, start, the same lead before
// end, and end.
//
// Matching is exact to the minute. Each event carries a stable Key so the
// delivery pipeline can drop repeats from duplicate or overlapping ticks, and
// an optional catch-up window re-evaluates minutes a late tick skipped.
package boundary
