// Package scheduler turns cron and interval specs into engine tasks.
//
// It only triggers: each firing enqueues a task (stamped with the trigger
// time) into the task engine, which owns execution, overlap and retries.
// The boundary tick is registered here as "boundary.tick".
package scheduler
