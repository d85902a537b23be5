package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"shiftbell/internal/eventbus"
	"shiftbell/internal/task/engine"
	logx "shiftbell/pkg/logx"
)

// Config controls the trigger side. Execution settings live in engine.Config.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ; empty means time.Local
}

type TaskOptions = engine.TaskOptions

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

type scheduleDef struct {
	id            string
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           func(ctx context.Context) error
	entryID       cron.EntryID
	startupSpread time.Duration
	opt           TaskOptions
	state         *engine.RunState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine *engine.Service

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Spec          string        `json:"spec"`
	Timeout       time.Duration `json:"timeout"`
	StartupSpread time.Duration `json:"startup_spread,omitempty"`
	Next          time.Time     `json:"next"`
	Prev          time.Time     `json:"prev"`
}

type Snapshot struct {
	Enabled   bool            `json:"enabled"`
	Running   bool            `json:"running"`
	Timezone  string          `json:"timezone"`
	Schedules []ScheduleInfo  `json:"schedules"`
	Engine    engine.Snapshot `json:"engine"`
}
