package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeWindow is a daily UTC window in minutes since midnight, inclusive on
// both ends. End < Start means the window wraps midnight.
type TimeWindow struct {
	Start int
	End   int
}

// Contains reports whether the wall-clock time falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	u := t.UTC()
	m := u.Hour()*60 + u.Minute()
	if w.Start <= w.End {
		return m >= w.Start && m <= w.End
	}
	return m >= w.Start || m <= w.End
}

func (w TimeWindow) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
}

// ParseWindow parses "HH:MM-HH:MM".
func ParseWindow(s string) (TimeWindow, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 2)
	if len(parts) != 2 {
		return TimeWindow{}, fmt.Errorf("window %q: want HH:MM-HH:MM", s)
	}
	start, err := parseMinutes(parts[0])
	if err != nil {
		return TimeWindow{}, fmt.Errorf("window %q: %w", s, err)
	}
	end, err := parseMinutes(parts[1])
	if err != nil {
		return TimeWindow{}, fmt.Errorf("window %q: %w", s, err)
	}
	return TimeWindow{Start: start, End: end}, nil
}

// ParseWindows parses a list of windows. Elements may themselves be
// comma-separated, which is how the env override arrives.
func ParseWindows(list []string) ([]TimeWindow, error) {
	var out []TimeWindow
	for _, item := range list {
		for _, s := range strings.Split(item, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			w, err := ParseWindow(s)
			if err != nil {
				return nil, err
			}
			out = append(out, w)
		}
	}
	return out, nil
}

func parseMinutes(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("time %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("hour %q out of range", parts[0])
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("minute %q out of range", parts[1])
	}
	return h*60 + m, nil
}
