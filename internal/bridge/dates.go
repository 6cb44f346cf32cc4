package bridge

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var demoDatePattern = regexp.MustCompile(`^(\d{2})\.(\d{2})(?:\.(\d{4}|\d{2}))?$`)

// ParseDemoDate accepts DD.MM.YYYY, DD.MM.YY and DD.MM (current year in
// now's location) and returns the calendar date as YYYY-MM-DD.
func ParseDemoDate(raw string, now time.Time) (string, error) {
	raw = strings.TrimSpace(raw)
	m := demoDatePattern.FindStringSubmatch(raw)
	if m == nil {
		return "", fmt.Errorf("%w: unrecognised date %q", ErrInvalidInput, raw)
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year := now.Year()
	switch len(m[3]) {
	case 4:
		year, _ = strconv.Atoi(m[3])
	case 2:
		yy, _ := strconv.Atoi(m[3])
		if yy > 68 {
			year = 1900 + yy
		} else {
			year = 2000 + yy
		}
	}
	if month < 1 || month > 12 || day < 1 || day > daysIn(time.Month(month), year) {
		return "", fmt.Errorf("%w: %q is not a calendar date", ErrInvalidInput, raw)
	}
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day), nil
}

// AddCalendarMonths moves start forward by months, clamping the day to the
// last day of the target month (31 Jan + 1 month = 28/29 Feb).
func AddCalendarMonths(start time.Time, months int) time.Time {
	y, m, d := start.Date()
	total := int(m) - 1 + months
	year := y + total/12
	month := total % 12
	if month < 0 {
		month += 12
		year--
	}
	target := time.Month(month + 1)
	if last := daysIn(target, year); d > last {
		d = last
	}
	return time.Date(year, target, d, start.Hour(), start.Minute(), start.Second(), start.Nanosecond(), start.Location())
}

func daysIn(month time.Month, year int) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
