package boundary

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"shiftbell/internal/schedule"
	logx "shiftbell/pkg/logx"
)

// Schedule is the query side the notifier needs.
type Schedule interface {
	Today(now time.Time) (schedule.Resolved, error)
	Location() *time.Location
}

// Deliverer hands one event to the delivery pipeline. Errors are counted and
// logged; they never stop later events.
type Deliverer interface {
	Deliver(ctx context.Context, ev Event) error
}

type DeliverFunc func(ctx context.Context, ev Event) error

func (f DeliverFunc) Deliver(ctx context.Context, ev Event) error { return f(ctx, ev) }

// TickResult summarizes one tick.
type TickResult struct {
	At        time.Time `json:"at"`
	Date      string    `json:"date"`
	Minute    int       `json:"minute"`
	Weekend   bool      `json:"weekend,omitempty"`
	Evaluated []int     `json:"evaluated,omitempty"`
	Events    []Event   `json:"events"`
	Delivered int       `json:"delivered"`
	Failed    int       `json:"failed"`
	Errors    []string  `json:"errors,omitempty"`
}

type Option func(*Notifier)

// WithCatchUp makes each tick also evaluate minutes skipped since the
// previous tick of the same day, up to d back.
func WithCatchUp(d time.Duration) Option {
	return func(n *Notifier) { n.SetCatchUp(d) }
}

// Notifier turns the wall clock into boundary events. Ticks are serialized.
type Notifier struct {
	sched Schedule
	out   Deliverer
	log   logx.Logger

	catchUp atomic.Int64 // minutes

	mu         sync.Mutex
	lastDate   string
	lastMinute int
}

func New(sched Schedule, out Deliverer, log logx.Logger, opts ...Option) *Notifier {
	n := &Notifier{sched: sched, out: out, log: log, lastMinute: -1}
	for _, o := range opts {
		if o != nil {
			o(n)
		}
	}
	return n
}

// SetCatchUp changes the catch-up window at runtime. Values under a minute
// disable catch-up.
func (n *Notifier) SetCatchUp(d time.Duration) {
	if d < 0 {
		d = 0
	}
	n.catchUp.Store(int64(d / time.Minute))
}

// Tick evaluates the minute containing now and delivers the resulting events
// in order. It is driven by the clock: with catch-up enabled it also covers
// minutes skipped since the latest earlier tick of the day. It never panics;
// faults are logged and reported in the result.
func (n *Notifier) Tick(ctx context.Context, now time.Time) TickResult {
	return n.run(ctx, now, true)
}

// Fire evaluates and delivers the single minute containing now. It leaves
// the catch-up position alone, so manual or replayed times cannot shift the
// window of the next Tick.
func (n *Notifier) Fire(ctx context.Context, now time.Time) TickResult {
	return n.run(ctx, now, false)
}

func (n *Notifier) run(ctx context.Context, now time.Time, track bool) (res TickResult) {
	n.mu.Lock()
	defer n.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			n.log.Error("tick panic recovered", logx.Any("panic", r))
			res.Errors = append(res.Errors, fmt.Sprintf("panic: %v", r))
		}
	}()

	local := now.In(n.sched.Location())
	res.At = local
	res.Date = local.Format(time.DateOnly)
	res.Minute = local.Hour()*60 + local.Minute()
	res.Events = []Event{}

	minutes := []int{res.Minute}
	if track {
		minutes = n.window(res.Date, res.Minute)
		n.mark(res.Date, res.Minute)
	}

	if schedule.DayTypeOf(local.Weekday()) == schedule.Weekend {
		res.Weekend = true
		return res
	}

	today, err := n.sched.Today(local)
	if err != nil {
		n.log.Warn("schedule unresolved; no events", logx.Err(err), logx.String("date", res.Date))
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	if len(today.Blocks) == 0 {
		return res
	}

	res.Evaluated = minutes
	for i, m := range minutes {
		evs, errs := Evaluate(m, res.Date, today.Blocks)
		// Block errors do not depend on the minute.
		if i == 0 {
			for _, e := range errs {
				n.log.Warn("block skipped", logx.Err(e), logx.String("date", res.Date))
				res.Errors = append(res.Errors, e.Error())
			}
		}
		res.Events = append(res.Events, evs...)
	}

	for _, ev := range res.Events {
		if err := n.deliver(ctx, ev); err != nil {
			res.Failed++
			n.log.Warn("event delivery failed",
				logx.String("key", ev.Key()),
				logx.String("entity", ev.Block.Entity),
				logx.Err(err),
			)
			continue
		}
		res.Delivered++
	}

	if len(res.Events) > 0 {
		n.log.Info("tick fired events",
			logx.String("date", res.Date),
			logx.Int("minute", res.Minute),
			logx.Int("events", len(res.Events)),
			logx.Int("delivered", res.Delivered),
			logx.Int("failed", res.Failed),
		)
	}
	return res
}

// deliver isolates a panicking Deliverer so later events still go out.
func (n *Notifier) deliver(ctx context.Context, ev Event) (err error) {
	if n.out == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deliver panic: %v", r)
		}
	}()
	return n.out.Deliver(ctx, ev)
}

// window returns the minutes to evaluate, oldest first. Without catch-up, or
// on the first tick of a date, it is just minute.
func (n *Notifier) window(date string, minute int) []int {
	back := int(n.catchUp.Load())
	if back <= 0 || date != n.lastDate || n.lastMinute < 0 || n.lastMinute >= minute {
		return []int{minute}
	}
	from := n.lastMinute + 1
	if minute-back > from {
		from = minute - back
	}
	out := make([]int, 0, minute-from+1)
	for m := from; m <= minute; m++ {
		out = append(out, m)
	}
	return out
}

// mark only moves forward. Dates compare as ISO strings.
func (n *Notifier) mark(date string, minute int) {
	if date > n.lastDate || (date == n.lastDate && minute > n.lastMinute) {
		n.lastDate = date
		n.lastMinute = minute
	}
}
