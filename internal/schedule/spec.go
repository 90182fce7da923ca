package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind is the normalized kind of a schedule string.
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

// Spec is a parsed schedule string.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 30 9 * * *" (with seconds), "@hourly", "@every 55m"
//   - duration: "55m", "2h30m"
//   - HH:MM interval: "00:50" (50 minutes), "02:30"
//
// "cron:" forces cron parsing; "every:" or "interval:" forces an interval.
type Spec struct {
	Kind  Kind
	Cron  string
	Every time.Duration
	Raw   string
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// cronParser accepts both 5-field and 6-field (seconds) expressions.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse parses raw and checks cron expressions against the cron parser.
func Parse(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}
	out := Spec{Raw: s}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		out.Kind, out.Cron = KindCron, strings.TrimSpace(s[len("cron:"):])
	case strings.HasPrefix(low, "every:"):
		d, err := parseInterval(s[len("every:"):])
		if err != nil {
			return Spec{}, err
		}
		out.Kind, out.Every = KindInterval, d
		return out, nil
	case strings.HasPrefix(low, "interval:"):
		d, err := parseInterval(s[len("interval:"):])
		if err != nil {
			return Spec{}, err
		}
		out.Kind, out.Every = KindInterval, d
		return out, nil
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		out.Kind, out.Cron = KindCron, s
	default:
		d, err := parseInterval(s)
		if err != nil {
			return Spec{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')", raw)
		}
		out.Kind, out.Every = KindInterval, d
		return out, nil
	}

	if out.Cron == "" {
		return Spec{}, fmt.Errorf("cron expression required after 'cron:'")
	}
	if _, err := cronParser.Parse(out.Cron); err != nil {
		return Spec{}, fmt.Errorf("invalid cron %q: %w", out.Cron, err)
	}
	return out, nil
}

// Schedule returns the cron.Schedule for s.
func (s Spec) Schedule() (cron.Schedule, error) {
	if s.Kind == KindInterval {
		return cron.Every(s.Every), nil
	}
	return cronParser.Parse(s.Cron)
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		d, err = time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid interval %q (use HH:MM or a duration like '55m')", v)
		}
	}
	// cron.Every rounds down to whole seconds.
	if d < time.Second {
		return 0, fmt.Errorf("interval must be at least 1s")
	}
	return d, nil
}
