package boundary

import (
	"fmt"

	"shiftbell/internal/schedule"
)

// PreNotificationMinutes is the lead time of pre_start and pre_end events.
const PreNotificationMinutes = 10

type Kind string

const (
	KindPreStart Kind = "pre_start"
	KindStart    Kind = "start"
	KindPreEnd   Kind = "pre_end"
	KindEnd      Kind = "end"
)

// Event is one boundary crossing of one block on one date.
type Event struct {
	Kind       Kind           `json:"kind"`
	Block      schedule.Block `json:"block"`
	BlockIndex int            `json:"block_index"`
	Date       string         `json:"date"`
	Minute     int            `json:"minute"`
	Title      string         `json:"title"`
	Body       string         `json:"body"`
}

// Key identifies the event across ticks: date|block_index|kind.
func (e Event) Key() string {
	return fmt.Sprintf("%s|%d|%s", e.Date, e.BlockIndex, e.Kind)
}

// Evaluate returns the events that fire at minute (minutes after midnight)
// for blocks, in block order and, within a block, in the order
// pre_start, start, pre_end, end. A block whose times cannot be parsed yields
// an error and is skipped; the others are still evaluated.
func Evaluate(minute int, date string, blocks []schedule.Block) ([]Event, []error) {
	var (
		events []Event
		errs   []error
	)
	for i, b := range blocks {
		start, end, err := b.Minutes()
		if err != nil {
			errs = append(errs, fmt.Errorf("block %d (%s): %w", i, b.Entity, err))
			continue
		}
		checks := [...]struct {
			kind Kind
			diff int
		}{
			{KindPreStart, start - minute - PreNotificationMinutes},
			{KindStart, start - minute},
			{KindPreEnd, end - minute - PreNotificationMinutes},
			{KindEnd, end - minute},
		}
		for _, c := range checks {
			if c.diff != 0 {
				continue
			}
			ev := Event{Kind: c.kind, Block: b, BlockIndex: i, Date: date, Minute: minute}
			ev.Title, ev.Body = render(ev, start, end)
			events = append(events, ev)
		}
	}
	return events, errs
}
