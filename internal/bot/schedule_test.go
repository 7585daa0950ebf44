package bot

import (
	"testing"
	"time"
)

func at(day, hour, minute int) time.Time {
	return time.Date(2024, 3, day, hour, minute, 0, 0, time.UTC)
}

func TestParseSchedule_Next(t *testing.T) {
	tests := []struct {
		name  string
		mode  string
		clock string
		after time.Time
		want  time.Time
	}{
		{"daily", ScheduleDaily, "09:00", at(1, 9, 0), at(2, 9, 0)},
		{"daily custom time", ScheduleDaily, "14:30", at(1, 9, 0), at(1, 14, 30)},
		{"twice daily morning", ScheduleTwiceDaily, "09:00", at(1, 9, 0), at(1, 21, 0)},
		{"twice daily evening clock", ScheduleTwiceDaily, "21:15", at(1, 10, 0), at(1, 21, 15)},
		{"six hourly", ScheduleSixHourly, "", at(1, 1, 0), at(1, 6, 0)},
		{"cron expression", "30 14 * * *", "", at(1, 15, 0), at(2, 14, 30)},
		{"default clock", ScheduleDaily, "", at(1, 10, 0), at(2, 9, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseSchedule(tt.mode, tt.clock)
			if err != nil {
				t.Fatalf("ParseSchedule: %v", err)
			}
			if !s.Enabled() {
				t.Fatal("schedule must be enabled")
			}
			if got := s.Next(tt.after); !got.Equal(tt.want) {
				t.Errorf("Next(%v) = %v, want %v", tt.after, got, tt.want)
			}
		})
	}
}

func TestParseSchedule_Disabled(t *testing.T) {
	for _, mode := range []string{"", "disabled", "DISABLED"} {
		s, err := ParseSchedule(mode, "09:00")
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", mode, err)
		}
		if s.Enabled() || s.Due(time.Time{}, at(1, 9, 0)) {
			t.Errorf("%q: disabled schedule must never be due", mode)
		}
		if !s.Next(at(1, 0, 0)).IsZero() || s.String() != ScheduleDisabled {
			t.Errorf("%q: Next/String on disabled schedule", mode)
		}
	}
}

func TestParseSchedule_Invalid(t *testing.T) {
	tests := []struct{ mode, clock string }{
		{ScheduleDaily, "25:00"},
		{ScheduleDaily, "09:75"},
		{ScheduleTwiceDaily, "nine"},
		{"every full moon", ""},
	}
	for _, tt := range tests {
		if _, err := ParseSchedule(tt.mode, tt.clock); err == nil {
			t.Errorf("ParseSchedule(%q, %q) expected error", tt.mode, tt.clock)
		}
	}
}

func TestSchedule_Due(t *testing.T) {
	s, err := ParseSchedule(ScheduleDaily, "09:00")
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}

	if !s.Due(time.Time{}, at(1, 3, 0)) {
		t.Error("first run must be due immediately")
	}
	last := at(1, 9, 0)
	if s.Due(last, at(2, 8, 59)) {
		t.Error("not due before next slot")
	}
	if !s.Due(last, at(2, 9, 0)) {
		t.Error("due at next slot")
	}
	if !s.Due(last, at(3, 12, 0)) {
		t.Error("missed slots make the schedule due")
	}
}
