// config/schedule.go
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Variant is one tournament flavour deployed at every slot.
type Variant struct {
	Key                   string          `yaml:"key"`
	Name                  string          `yaml:"name"`
	TradingStyle          string          `yaml:"trading_style"`
	EntryFee              decimal.Decimal `yaml:"entry_fee"`
	MinParticipants       int             `yaml:"min_participants"`
	MaxParticipants       int             `yaml:"max_participants"`
	DurationMinutes       int             `yaml:"duration_minutes"`
	PrizePoolPercentage   int             `yaml:"prize_pool_percentage"`
	PlatformFeePercentage int             `yaml:"platform_fee_percentage"`
	Mega                  bool            `yaml:"mega"`
}

// Schedule is the deployment cadence. Slot times are UTC start times.
type Schedule struct {
	Weekdays           []string      `yaml:"weekdays"`
	TimeOfDay          string        `yaml:"time_of_day"`
	RegistrationWindow time.Duration `yaml:"registration_window"`
	StartDelay         time.Duration `yaml:"start_delay"`
	Lookahead          time.Duration `yaml:"lookahead"`
	MaxUpcoming        int           `yaml:"max_upcoming"`
	Variants           []Variant     `yaml:"variants"`

	days   []time.Weekday
	hour   int
	minute int
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// LoadSchedule reads and validates a YAML schedule file.
func LoadSchedule(path string) (*Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule: %w", err)
	}
	return ParseSchedule(data)
}

func ParseSchedule(data []byte) (*Schedule, error) {
	var s Schedule
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Schedule) validate() error {
	if len(s.Weekdays) == 0 {
		return fmt.Errorf("schedule: at least one weekday required")
	}
	s.days = s.days[:0]
	for _, d := range s.Weekdays {
		name := strings.ToLower(strings.TrimSpace(d))
		if len(name) > 3 {
			name = name[:3]
		}
		wd, ok := weekdayNames[name]
		if !ok {
			return fmt.Errorf("schedule: unknown weekday %q", d)
		}
		s.days = append(s.days, wd)
	}
	clock, err := time.Parse("15:04", s.TimeOfDay)
	if err != nil {
		return fmt.Errorf("schedule: time_of_day %q: %w", s.TimeOfDay, err)
	}
	s.hour, s.minute = clock.Hour(), clock.Minute()

	if s.RegistrationWindow <= 0 {
		return fmt.Errorf("schedule: registration_window must be positive")
	}
	if s.StartDelay < 0 {
		return fmt.Errorf("schedule: start_delay must not be negative")
	}
	if s.Lookahead <= 0 {
		s.Lookahead = 7 * 24 * time.Hour
	}
	if s.MaxUpcoming <= 0 {
		s.MaxUpcoming = 20
	}
	if len(s.Variants) == 0 {
		return fmt.Errorf("schedule: at least one variant required")
	}
	seen := map[string]bool{}
	for _, v := range s.Variants {
		if v.Key == "" {
			return fmt.Errorf("schedule: variant without key")
		}
		if seen[v.Key] {
			return fmt.Errorf("schedule: duplicate variant %q", v.Key)
		}
		seen[v.Key] = true
	}
	return nil
}

// Slots lists every slot start in [from, to], ascending.
func (s *Schedule) Slots(from, to time.Time) []time.Time {
	from, to = from.UTC(), to.UTC()
	var out []time.Time
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	for !day.After(to) {
		for _, wd := range s.days {
			if day.Weekday() != wd {
				continue
			}
			slot := day.Add(time.Duration(s.hour)*time.Hour + time.Duration(s.minute)*time.Minute)
			if !slot.Before(from) && !slot.After(to) {
				out = append(out, slot)
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return dedupe(out)
}

func dedupe(in []time.Time) []time.Time {
	out := in[:0]
	for i, t := range in {
		if i > 0 && t.Equal(in[i-1]) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Window returns registration open/close for a slot start.
func (s *Schedule) Window(slot time.Time) (opens, closes time.Time) {
	closes = slot.Add(-s.StartDelay)
	return closes.Add(-s.RegistrationWindow), closes
}
