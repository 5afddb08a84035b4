package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

// Date is a calendar day in UTC.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

func DateOf(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return Date{Year: y, Month: m, Day: d}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Time().Format(DateLayout)
}

func (d Date) IsZero() bool { return d == Date{} }

func (d Date) AddDays(n int) Date { return DateOf(d.Time().AddDate(0, 0, n)) }

func (d Date) Before(o Date) bool { return d.Time().Before(o.Time()) }

func (d Date) After(o Date) bool { return d.Time().After(o.Time()) }

// DaysUntil returns the number of whole days from d to o.
func (d Date) DaysUntil(o Date) int {
	return int(o.Time().Sub(d.Time()).Hours() / 24)
}

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DateRange is an inclusive closed interval of days.
type DateRange struct {
	Start Date
	Stop  Date
}

func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.Stop.IsZero() {
		return ConfigErrorf("date range requires start and stop")
	}
	if r.Start.After(r.Stop) {
		return ConfigErrorf("start date %s is after stop date %s", r.Start, r.Stop)
	}
	return nil
}

func (r DateRange) Days() []Date {
	var days []Date
	for d := r.Start; !d.After(r.Stop); d = d.AddDays(1) {
		days = append(days, d)
	}
	return days
}

var relativeDays = regexp.MustCompile(`^(\d+)d$`)

// ParseDateSpec accepts today, yesterday, Nd, YYYY-MM-DD, YYYY-MM and YYYY.
func ParseDateSpec(value string, today Date) (DateRange, error) {
	value = strings.TrimSpace(value)
	switch value {
	case "today":
		return DateRange{Start: today, Stop: today}, nil
	case "yesterday":
		d := today.AddDays(-1)
		return DateRange{Start: d, Stop: d}, nil
	}
	if m := relativeDays.FindStringSubmatch(value); m != nil {
		n, _ := strconv.Atoi(m[1])
		d := today.AddDays(-n)
		return DateRange{Start: d, Stop: d}, nil
	}
	parts := strings.Split(value, "-")
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return DateRange{}, ConfigErrorf("invalid date: %s", value)
		}
		nums[i] = n
	}
	switch len(nums) {
	case 3:
		d, err := ParseDate(value)
		if err != nil {
			return DateRange{}, ConfigErrorf("invalid date: %s", value)
		}
		return DateRange{Start: d, Stop: d}, nil
	case 2:
		if nums[1] < 1 || nums[1] > 12 {
			return DateRange{}, ConfigErrorf("invalid month: %s", value)
		}
		first := NewDate(nums[0], time.Month(nums[1]), 1)
		last := DateOf(first.Time().AddDate(0, 1, -1))
		return DateRange{Start: first, Stop: last}, nil
	case 1:
		return DateRange{Start: NewDate(nums[0], time.January, 1), Stop: NewDate(nums[0], time.December, 31)}, nil
	}
	return DateRange{}, ConfigErrorf("invalid date: %s", value)
}

// SelectRange combines --date / --start / --stop flags; the default is five days ago until today.
func SelectRange(date, start, stop string, today Date) (DateRange, error) {
	if date != "" && (start != "" || stop != "") {
		return DateRange{}, ConfigErrorf("cannot use --date with --start and --stop")
	}
	if date != "" {
		return ParseDateSpec(date, today)
	}
	r := DateRange{Start: today.AddDays(-5), Stop: today}
	if start != "" {
		s, err := ParseDateSpec(start, today)
		if err != nil {
			return DateRange{}, err
		}
		r.Start = s.Start
	}
	if stop != "" {
		s, err := ParseDateSpec(stop, today)
		if err != nil {
			return DateRange{}, err
		}
		r.Stop = s.Stop
	}
	return r, r.Validate()
}
