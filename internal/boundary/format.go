package boundary

import (
	"fmt"
	"strings"
	"time"
)

// Clock12 renders minutes after midnight as a 12-hour time, e.g. "1:30 PM".
func Clock12(minutes int) string {
	t := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(minutes) * time.Minute)
	return t.Format("3:04 PM")
}

func render(ev Event, start, end int) (title, body string) {
	entity := strings.TrimSpace(ev.Block.Entity)
	if entity == "" {
		entity = fmt.Sprintf("Block %d", ev.BlockIndex+1)
	}
	s, e := Clock12(start), Clock12(end)

	switch ev.Kind {
	case KindPreStart:
		return "Upcoming: " + entity,
			fmt.Sprintf("%s starts at %s (in %d minutes).", entity, s, PreNotificationMinutes)
	case KindStart:
		title = "Now: " + entity
		if ev.BlockIndex == 0 {
			title = "Day started: " + entity
		}
		return title, fmt.Sprintf("%s runs %s to %s.", entity, s, e)
	case KindPreEnd:
		return "Ending soon: " + entity,
			fmt.Sprintf("%s ends at %s (in %d minutes).", entity, e, PreNotificationMinutes)
	case KindEnd:
		return "Finished: " + entity, fmt.Sprintf("%s ended at %s.", entity, e)
	default:
		return entity, ""
	}
}
