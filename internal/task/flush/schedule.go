package flush

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

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
type Schedule struct {
	Kind  Kind
	Cron  string        // KindCron
	Every time.Duration // KindInterval
	Raw   string
}

func (s Schedule) String() string {
	if s.Kind == KindInterval {
		return "every " + s.Every.String()
	}
	return s.Cron
}

var hhmm = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// parser accepts 5-field specs, 6-field specs with seconds and descriptors.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses raw and checks cron expressions against the parser.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	for _, p := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, p) {
			d, err := parseInterval(strings.TrimSpace(s[len(p):]))
			if err != nil {
				return Schedule{}, err
			}
			return Schedule{Kind: KindInterval, Every: d, Raw: raw}, nil
		}
	}

	expr := ""
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr = strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Schedule{}, fmt.Errorf("cron expression required after 'cron:'")
		}
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		expr = s
	default:
		d, err := parseInterval(s)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:05', or a duration like '30s')", raw)
		}
		return Schedule{Kind: KindInterval, Every: d, Raw: raw}, nil
	}

	if _, err := parser.Parse(expr); err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Schedule{Kind: KindCron, Cron: expr, Raw: raw}, nil
}

func parseInterval(v string) (time.Duration, error) {
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := hhmm.FindStringSubmatch(v); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(h)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		d, err = time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

// cronSchedule compiles s. Intervals below one second are rounded up by
// cron.Every.
func (s Schedule) cronSchedule() (cron.Schedule, error) {
	if s.Kind == KindInterval {
		return cron.Every(s.Every), nil
	}
	return parser.Parse(s.Cron)
}
