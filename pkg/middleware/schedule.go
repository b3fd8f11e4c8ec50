package middleware

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/crier-bot/crier/pkg/errors"
)

const dateLayout = "2006-01-02"

type quietHoursRange struct {
	Start int `mapstructure:"start"`
	End   int `mapstructure:"end"`
}

type dateRange struct {
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`
}

type scheduleStageOptions struct {
	// AllowedHours empty means no hour constraint.
	AllowedHours []int    `mapstructure:"allowed_hours"`
	AllowedDays  []string `mapstructure:"allowed_days"`
	// QuietHours blocks the interval [Start, End), wrapping midnight
	// when Start > End.
	QuietHours     *quietHoursRange `mapstructure:"quiet_hours"`
	SkipDates      []string         `mapstructure:"skip_dates"`
	AllowDates     []string         `mapstructure:"allow_dates"`
	SkipDateRanges []dateRange      `mapstructure:"skip_date_ranges"`
	MinInterval    time.Duration    `mapstructure:"min_interval"`
	MaxPerHour     int              `mapstructure:"max_per_hour"`
	MaxPerDay      int              `mapstructure:"max_per_day"`
	// Action when blocked: "skip", "delay" (bounded wait, error when
	// the window never opens within max_delay), or "queue" (bounded
	// wait, skip when it does not open in time).
	Action   string        `mapstructure:"action"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

type scheduleStage struct {
	name string
	opts scheduleStageOptions

	mu        sync.Mutex
	lastSent  time.Time
	hourStamp time.Time
	hourCount int
	dayStamp  time.Time
	dayCount  int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func newScheduleStage(name string, params map[string]any, _ Deps) (Stage, error) {
	opts := scheduleStageOptions{Action: "skip", MaxDelay: time.Minute}
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}
	switch opts.Action {
	case "skip", "delay", "queue":
	default:
		return nil, fmt.Errorf("unknown schedule action %q", opts.Action)
	}
	for _, hour := range opts.AllowedHours {
		if hour < 0 || hour > 23 {
			return nil, fmt.Errorf("allowed hour %d out of range", hour)
		}
	}
	if opts.QuietHours != nil {
		if opts.QuietHours.Start < 0 || opts.QuietHours.Start > 23 ||
			opts.QuietHours.End < 0 || opts.QuietHours.End > 23 {
			return nil, fmt.Errorf("quiet hours out of range")
		}
	}
	for _, date := range append(append([]string{}, opts.SkipDates...), opts.AllowDates...) {
		if _, err := time.Parse(dateLayout, date); err != nil {
			return nil, fmt.Errorf("invalid date %q: %w", date, err)
		}
	}
	for _, r := range opts.SkipDateRanges {
		if _, err := time.Parse(dateLayout, r.Start); err != nil {
			return nil, fmt.Errorf("invalid range start %q: %w", r.Start, err)
		}
		if _, err := time.Parse(dateLayout, r.End); err != nil {
			return nil, fmt.Errorf("invalid range end %q: %w", r.End, err)
		}
	}
	return &scheduleStage{
		name:  name,
		opts:  opts,
		now:   time.Now,
		sleep: sleepContext,
	}, nil
}

func (s *scheduleStage) Name() string { return s.name }

func (s *scheduleStage) Execute(ctx context.Context, mc *MessageContext, next func() error) error {
	s.mu.Lock()
	now := s.now()
	reason := s.blockedReasonLocked(now)

	if reason != "" && s.opts.Action != "skip" {
		opensIn, ok := s.windowOpensWithinLocked(now, s.opts.MaxDelay)
		s.mu.Unlock()
		if ok {
			if err := s.sleep(ctx, opensIn); err != nil {
				return err
			}
			s.mu.Lock()
			now = s.now()
			reason = s.blockedReasonLocked(now)
		} else if s.opts.Action == "delay" {
			return errors.NewLocalFatalError(
				fmt.Sprintf("schedule window does not open within %s: %s", s.opts.MaxDelay, reason), nil)
		} else {
			s.mu.Lock()
		}
	}

	if reason != "" {
		s.mu.Unlock()
		mc.MarkSkip(s.name, reason)
		return nil
	}

	s.recordLocked(now)
	s.mu.Unlock()
	return next()
}

// blockedReasonLocked returns a non-empty reason when now falls outside
// the configured send windows.
func (s *scheduleStage) blockedReasonLocked(now time.Time) string {
	date := now.Format(dateLayout)
	explicitlyAllowed := containsString(s.opts.AllowDates, date)

	if !explicitlyAllowed {
		if containsString(s.opts.SkipDates, date) {
			return fmt.Sprintf("date %s is in skip_dates", date)
		}
		for _, r := range s.opts.SkipDateRanges {
			if date >= r.Start && date <= r.End {
				return fmt.Sprintf("date %s falls in skip range %s to %s", date, r.Start, r.End)
			}
		}
	}

	if len(s.opts.AllowedDays) > 0 {
		day := strings.ToLower(now.Weekday().String())
		found := false
		for _, allowed := range s.opts.AllowedDays {
			if strings.ToLower(allowed) == day {
				found = true
				break
			}
		}
		if !found {
			return fmt.Sprintf("%s is not an allowed day", now.Weekday())
		}
	}

	hour := now.Hour()
	if len(s.opts.AllowedHours) > 0 && !containsInt(s.opts.AllowedHours, hour) {
		return fmt.Sprintf("hour %d is not an allowed hour", hour)
	}

	if q := s.opts.QuietHours; q != nil && inQuietHours(hour, q.Start, q.End) {
		return fmt.Sprintf("quiet hours %d to %d active", q.Start, q.End)
	}

	if s.opts.MinInterval > 0 && !s.lastSent.IsZero() {
		if elapsed := now.Sub(s.lastSent); elapsed < s.opts.MinInterval {
			return fmt.Sprintf("minimum interval %s not elapsed (%s since last message)",
				s.opts.MinInterval, elapsed.Round(time.Second))
		}
	}

	if s.opts.MaxPerHour > 0 && now.Truncate(time.Hour).Equal(s.hourStamp) && s.hourCount >= s.opts.MaxPerHour {
		return fmt.Sprintf("hourly cap of %d reached", s.opts.MaxPerHour)
	}
	if s.opts.MaxPerDay > 0 && sameDay(now, s.dayStamp) && s.dayCount >= s.opts.MaxPerDay {
		return fmt.Sprintf("daily cap of %d reached", s.opts.MaxPerDay)
	}
	return ""
}

// windowOpensWithinLocked scans forward in minute steps for the first
// time the rules pass. Minute granularity matches the coarsest rule unit
// (hours and dates).
func (s *scheduleStage) windowOpensWithinLocked(now time.Time, bound time.Duration) (time.Duration, bool) {
	probe := now.Truncate(time.Minute).Add(time.Minute)
	for ; probe.Sub(now) <= bound; probe = probe.Add(time.Minute) {
		if s.blockedReasonLocked(probe) == "" {
			return probe.Sub(now), true
		}
	}
	return 0, false
}

func (s *scheduleStage) recordLocked(now time.Time) {
	s.lastSent = now
	hour := now.Truncate(time.Hour)
	if !hour.Equal(s.hourStamp) {
		s.hourStamp = hour
		s.hourCount = 0
	}
	s.hourCount++
	if !sameDay(now, s.dayStamp) {
		s.dayStamp = now
		s.dayCount = 0
	}
	s.dayCount++
}

// inQuietHours reports whether hour falls in [start, end), wrapping
// midnight when start > end (22-6 covers 22,23,0..5).
func inQuietHours(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func containsInt(list []int, value int) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
