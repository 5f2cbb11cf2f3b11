package drain

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind is the normalized form of a schedule string.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

func (k Kind) String() string {
	if k == KindInterval {
		return "interval"
	}
	return "cron"
}

// Schedule is a parsed schedule string.
//
// Accepted forms:
//   - cron, 5 or 6 fields (seconds optional): "*/5 * * * *", "0 */10 * * * *"
//   - descriptors: "@hourly", "@every 30s"
//   - Go duration interval: "45s", "2h30m"
//   - HH:MM interval: "00:30" (30 minutes), "02:15"
//
// Prefixes force a form: "cron:" or "every:"/"interval:".
type Schedule struct {
	Kind   Kind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

// parser accepts 5 and 6 field specs plus descriptors.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses raw and checks cron expressions against the cron parser.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, errors.New("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return cronSchedule(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return intervalSchedule(s[len("every:"):])
	case strings.HasPrefix(low, "interval:"):
		return intervalSchedule(s[len("interval:"):])
	}

	// whitespace or a leading '@' means cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return cronSchedule(s)
	}
	if sc, err := intervalSchedule(s); err == nil {
		return sc, nil
	}
	return Schedule{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:30', or a duration like '45s')",
		raw,
	)
}

func cronSchedule(expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, errors.New("cron expression required")
	}
	if _, err := parser.Parse(expr); err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Schedule{Kind: KindCron, Cron: expr, Source: "cron"}, nil
}

func intervalSchedule(v string) (Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Schedule{}, errors.New("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMM(v)
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Kind: KindInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid interval %q (use HH:MM or a Go duration like '45s')", v)
	}
	if d < time.Second {
		return Schedule{}, fmt.Errorf("interval %s: must be at least 1s", d)
	}
	return Schedule{Kind: KindInterval, Every: d, Source: "duration"}, nil
}

func parseHHMM(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, errors.New("interval must be > 0")
	}
	return d, nil
}

// schedule converts the parsed form to a robfig schedule.
func (s Schedule) schedule() (cron.Schedule, error) {
	if s.Kind == KindInterval {
		return cron.Every(s.Every), nil
	}
	return parser.Parse(s.Cron)
}

func (s Schedule) String() string {
	if s.Kind == KindInterval {
		return "every " + s.Every.String()
	}
	return s.Cron
}
