package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/flowplane/flowplane/engine/core"
	"github.com/flowplane/flowplane/engine/scheduler"
	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NormalizeSchedule validates the cron expression and timezone and fills the
// default timezone. The cron string is returned unchanged.
func NormalizeSchedule(s Schedule) (Schedule, error) {
	if strings.TrimSpace(s.Cron) == "" {
		return s, core.Errorf(core.ErrValidation, "schedule cron is required")
	}
	if strings.HasPrefix(strings.TrimSpace(s.Cron), "TZ=") || strings.HasPrefix(strings.TrimSpace(s.Cron), "CRON_TZ=") {
		return s, core.Errorf(core.ErrValidation, "timezone must be set in the timezone field, not the cron expression")
	}
	if _, err := cronParser.Parse(s.Cron); err != nil {
		return s, core.NewError(core.ErrValidation, fmt.Sprintf("invalid cron expression %q", s.Cron), err)
	}
	if s.Timezone == "" {
		s.Timezone = scheduler.DefaultTimezone
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return s, core.NewError(core.ErrValidation, fmt.Sprintf("invalid timezone %q", s.Timezone), err)
	}
	return s, nil
}

// Interval returns the gap between the next two activations after from.
func Interval(s Schedule, from time.Time) (time.Duration, error) {
	sched, err := cronParser.Parse(s.Cron)
	if err != nil {
		return 0, fmt.Errorf("failed to parse cron %q: %w", s.Cron, err)
	}
	tz := s.Timezone
	if tz == "" {
		tz = scheduler.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return 0, fmt.Errorf("failed to load timezone %q: %w", tz, err)
	}
	first := sched.Next(from.In(loc))
	second := sched.Next(first)
	if first.IsZero() || second.IsZero() {
		return 0, fmt.Errorf("cron %q has no upcoming activations", s.Cron)
	}
	return second.Sub(first), nil
}
