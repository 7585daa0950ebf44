package bot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Режимы расписания анализа
const (
	ScheduleDisabled   = "disabled"
	ScheduleDaily      = "daily"
	ScheduleTwiceDaily = "twice_daily"
	ScheduleSixHourly  = "six_hourly"
)

// Schedule расписание анализа кандидатов (время UTC).
// Не сам планировщик: цикл спрашивает Due на каждом тике.
type Schedule struct {
	mode  string
	expr  string
	sched cron.Schedule // nil = выключено
}

// ParseSchedule строит расписание из режима и времени HH:MM.
//
// Режимы:
//   - disabled: только анализ по запросу
//   - daily: раз в сутки в dailyTime
//   - twice_daily: в dailyTime и через 12 часов
//   - six_hourly: 00:00, 06:00, 12:00, 18:00
//   - иначе: стандартное cron-выражение из 5 полей
func ParseSchedule(mode, dailyTime string) (*Schedule, error) {
	mode = strings.TrimSpace(mode)
	s := &Schedule{mode: mode}

	switch strings.ToLower(mode) {
	case "", ScheduleDisabled:
		s.mode = ScheduleDisabled
		return s, nil
	case ScheduleDaily:
		h, m, err := parseClock(dailyTime)
		if err != nil {
			return nil, err
		}
		s.expr = fmt.Sprintf("%d %d * * *", m, h)
	case ScheduleTwiceDaily:
		h, m, err := parseClock(dailyTime)
		if err != nil {
			return nil, err
		}
		first, second := h%12, h%12+12
		s.expr = fmt.Sprintf("%d %d,%d * * *", m, first, second)
	case ScheduleSixHourly:
		s.expr = "0 */6 * * *"
	default:
		s.expr = mode
	}

	sched, err := cron.ParseStandard("CRON_TZ=UTC " + s.expr)
	if err != nil {
		return nil, fmt.Errorf("invalid analysis schedule %q: %w", mode, err)
	}
	s.sched = sched
	return s, nil
}

// parseClock разбирает "HH:MM"
func parseClock(v string) (int, int, error) {
	if v == "" {
		v = "09:00"
	}
	hs, ms, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid daily analysis time %q, want HH:MM", v)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", v)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", v)
	}
	return h, m, nil
}

// Enabled есть ли плановые запуски
func (s *Schedule) Enabled() bool {
	return s != nil && s.sched != nil
}

// Due наступило ли время анализа после последнего запуска.
// Без предыдущего запуска анализ выполняется сразу.
func (s *Schedule) Due(last, now time.Time) bool {
	if !s.Enabled() {
		return false
	}
	if last.IsZero() {
		return true
	}
	next := s.sched.Next(last)
	return !next.IsZero() && !now.Before(next)
}

// Next время следующего запуска (zero, если выключено)
func (s *Schedule) Next(after time.Time) time.Time {
	if !s.Enabled() {
		return time.Time{}
	}
	return s.sched.Next(after)
}

func (s *Schedule) String() string {
	if !s.Enabled() {
		return ScheduleDisabled
	}
	return s.mode + " (" + s.expr + " UTC)"
}
