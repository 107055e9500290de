package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var triggerParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// parseTrigger converts a trigger string to a 5-field cron spec.
//
// Supported forms:
//   - Time of day: "08:45" (daily, in the source timezone)
//   - Cron: "45 8 * * 1-5", "@daily", or "cron:<expr>"
func parseTrigger(raw string) (spec string, hhmm bool, err error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false, fmt.Errorf("trigger required")
	}
	if strings.HasPrefix(strings.ToLower(s), "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return "", false, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return expr, false, nil
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return s, false, nil
	}
	h, m, err := parseHHMM(s)
	if err != nil {
		return "", false, err
	}
	return fmt.Sprintf("%d %d * * *", m, h), true, nil
}

// ValidateTimes reports the first trigger that would not register.
func ValidateTimes(times []string) error {
	for _, raw := range times {
		spec, _, err := parseTrigger(raw)
		if err != nil {
			return err
		}
		if _, err := triggerParser.Parse(spec); err != nil {
			return fmt.Errorf("invalid trigger %q: %w", raw, err)
		}
	}
	return nil
}

func parseHHMM(v string) (int, int, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, 0, fmt.Errorf("invalid time %q (use HH:MM like '08:45' or a cron expression)", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if hh > 23 || mm > 59 {
		return 0, 0, fmt.Errorf("time out of range %q", v)
	}
	return hh, mm, nil
}

// DisplayTime converts an HH:MM in src to the wall time in dst on the date of
// day (as seen in src). The result varies across DST transitions.
func DisplayTime(hhmm string, src, dst *time.Location, day time.Time) (string, error) {
	h, m, err := parseHHMM(hhmm)
	if err != nil {
		return "", err
	}
	d := day.In(src)
	t := time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, src)
	return t.In(dst).Format("15:04"), nil
}

func loadLocation(name string, def *time.Location) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return def, nil
	}
	return time.LoadLocation(name)
}
