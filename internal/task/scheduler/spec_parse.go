package scheduler

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
	SpecOnce
)

func (k SpecKind) String() string {
	switch k {
	case SpecInterval:
		return "interval"
	case SpecOnce:
		return "once"
	default:
		return "cron"
	}
}

// ParsedSpec is a normalized schedule string.
//
// Accepted forms:
//   - cron, 5 or 6 fields or a descriptor: "0 */6 * * *", "@hourly", "@every 10m"
//   - interval as Go duration or HH:MM: "55m", "02:30"
//   - a single run: "at:2026-01-02T15:04:05Z"
//
// "cron:" and "interval:"/"every:" prefixes force the kind.
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
	At    time.Time
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr}, nil
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	case strings.HasPrefix(low, "at:"):
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(s[len("at:"):]))
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid run time %q: want RFC 3339", raw)
		}
		return ParsedSpec{Kind: SpecOnce, At: at}, nil
	case strings.HasPrefix(low, "@every"):
		return parseInterval(s[len("@every"):])
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return ParsedSpec{Kind: SpecCron, Cron: s}, nil
	}

	if ps, err := parseInterval(s); err == nil {
		return ps, nil
	}
	return ParsedSpec{}, fmt.Errorf("invalid schedule %q (use cron like '0 */6 * * *', HH:MM like '02:30' or a duration like '55m')", raw)
}

func parseInterval(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return ParsedSpec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or a duration like '55m')", v)
		}
	}
	if d < time.Second {
		return ParsedSpec{}, fmt.Errorf("interval must be at least 1s")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d}, nil
}

// String renders the spec in the form Jobs reports.
func (p ParsedSpec) String() string {
	switch p.Kind {
	case SpecInterval:
		return "@every " + p.Every.String()
	case SpecOnce:
		return "at:" + p.At.Format(time.RFC3339)
	default:
		return p.Cron
	}
}

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays the first run of an interval job by a per-job
// jitter so jobs registered together do not fire together.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func intervalSchedule(every time.Duration, now time.Time, id string) cron.Schedule {
	spread := min(every, maxStartupSpread)
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	rng := rand.New(rand.NewSource(now.UnixNano() ^ int64(h.Sum64())))
	jitter := time.Duration(rng.Int63n(int64(spread)))
	return &spreadSchedule{base: cron.Every(every), first: now.Add(every + jitter)}
}

// onceSchedule fires at a single instant. A zero Next tells cron the entry
// has nothing left to run.
type onceSchedule struct{ at time.Time }

func (s onceSchedule) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}
