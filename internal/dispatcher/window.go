package dispatcher

import (
	"fmt"
	"strings"
	"time"
)

// SendWindow is the local business-hours range in which live sends are allowed.
type SendWindow struct {
	Start time.Duration
	End   time.Duration
	Loc   *time.Location
}

// ParseWindow reads "HH:MM-HH:MM" in the named zone.
func ParseWindow(spec, tz string) (SendWindow, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return SendWindow{}, fmt.Errorf("send window tz %q: %w", tz, err)
		}
		loc = l
	}

	from, to, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return SendWindow{}, fmt.Errorf("send window %q: want HH:MM-HH:MM", spec)
	}
	start, err := clock(from)
	if err != nil {
		return SendWindow{}, err
	}
	end, err := clock(to)
	if err != nil {
		return SendWindow{}, err
	}
	if end <= start {
		return SendWindow{}, fmt.Errorf("send window %q: end must be after start", spec)
	}

	return SendWindow{Start: start, End: end, Loc: loc}, nil
}

func clock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("send window time %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (w SendWindow) Location() *time.Location {
	if w.Loc == nil {
		return time.UTC
	}
	return w.Loc
}

// Contains reports whether t falls inside the window on its local day. A zero window is
// always open.
func (w SendWindow) Contains(t time.Time) bool {
	if w.End <= w.Start {
		return true
	}
	lt := t.In(w.Location())
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, lt.Location())
	off := lt.Sub(midnight)
	return off >= w.Start && off < w.End
}

func (w SendWindow) Weekend(t time.Time) bool {
	wd := t.In(w.Location()).Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
