package sampler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseSchedule accepts a five-field cron expression, a descriptor such as
// "@every 5s" or "@hourly", or a bare Go duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return every(dur), nil
}

// every fires at a fixed interval. cron.Every rounds to whole seconds.
type every time.Duration

func (d every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}

// cronLogger routes cron's internal logging into zap.
type cronLogger struct {
	log interface {
		Debugw(msg string, keysAndValues ...interface{})
		Errorw(msg string, keysAndValues ...interface{})
	}
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
