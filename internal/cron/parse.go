// Package cron parses 5-field cron expressions and fires scheduled agent
// runs through an injected executor.
package cron

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// ErrNoMatch means an expression has no firing time within a year.
var ErrNoMatch = errors.New("cron: no matching time within one year")

// searchLimit bounds NextRunTime's minute scan.
const searchLimit = 366 * 24 * 60

type fieldRange struct {
	name     string
	min, max int
}

var fields = [5]fieldRange{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// ParseError names the field and token that failed to parse.
type ParseError struct {
	Field  string
	Token  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("cron: %s", e.Reason)
	}
	return fmt.Sprintf("cron: %s field %q: %s", e.Field, e.Token, e.Reason)
}

// Expression is a parsed cron expression. Each set is non-empty and sorted.
type Expression struct {
	Minutes     []int
	Hours       []int
	DaysOfMonth []int
	Months      []int
	DaysOfWeek  []int

	raw string
}

// String returns the source text.
func (e Expression) String() string { return e.raw }

// descriptorParser expands @daily-style descriptors. Ordinary fields are
// parsed locally so errors can name the failing field.
var descriptorParser = cronlib.NewParser(cronlib.Descriptor)

// Parse parses exactly five whitespace-separated fields, or one of the
// @yearly, @annually, @monthly, @weekly, @daily, @midnight and @hourly
// descriptors.
func Parse(expr string) (Expression, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "@") {
		return parseDescriptor(expr)
	}
	parts := strings.Fields(expr)
	if len(parts) != len(fields) {
		return Expression{}, &ParseError{Token: expr, Reason: fmt.Sprintf("expected 5 fields, got %d", len(parts))}
	}
	sets := make([][]int, len(fields))
	for i, part := range parts {
		set, err := parseField(part, fields[i])
		if err != nil {
			return Expression{}, err
		}
		sets[i] = set
	}
	return Expression{
		Minutes:     sets[0],
		Hours:       sets[1],
		DaysOfMonth: sets[2],
		Months:      sets[3],
		DaysOfWeek:  sets[4],
		raw:         expr,
	}, nil
}

// MustParse is Parse for expressions known at compile time.
func MustParse(expr string) Expression {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

func parseDescriptor(expr string) (Expression, error) {
	if strings.HasPrefix(expr, "@every") {
		return Expression{}, &ParseError{Token: expr, Reason: "@every is not supported"}
	}
	sched, err := descriptorParser.Parse(expr)
	if err != nil {
		return Expression{}, &ParseError{Token: expr, Reason: "unknown descriptor"}
	}
	spec, ok := sched.(*cronlib.SpecSchedule)
	if !ok {
		return Expression{}, &ParseError{Token: expr, Reason: "unsupported descriptor"}
	}
	return Expression{
		Minutes:     expandBits(spec.Minute, fields[0]),
		Hours:       expandBits(spec.Hour, fields[1]),
		DaysOfMonth: expandBits(spec.Dom, fields[2]),
		Months:      expandBits(spec.Month, fields[3]),
		DaysOfWeek:  expandBits(spec.Dow, fields[4]),
		raw:         expr,
	}, nil
}

// expandBits turns a robfig bitmask into a sorted set within r. Bit 63 is
// robfig's "*" marker.
func expandBits(bits uint64, r fieldRange) []int {
	bits &^= 1 << 63
	var out []int
	for v := r.min; v <= r.max; v++ {
		if bits&(1<<uint(v)) != 0 {
			out = append(out, v)
		}
	}
	return out
}

func parseField(field string, r fieldRange) ([]int, error) {
	seen := make(map[int]bool)
	for _, item := range strings.Split(field, ",") {
		if err := parseItem(item, r, seen); err != nil {
			return nil, err
		}
	}
	out := make([]int, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

func parseItem(item string, r fieldRange, seen map[int]bool) error {
	fail := func(reason string) error {
		return &ParseError{Field: r.name, Token: item, Reason: reason}
	}
	if item == "" {
		return fail("empty value")
	}

	base, stepText, hasStep := strings.Cut(item, "/")
	step := 1
	if hasStep {
		n, err := strconv.Atoi(stepText)
		if err != nil || n <= 0 {
			return fail("step must be a positive integer")
		}
		step = n
	}

	lo, hi := r.min, r.max
	switch {
	case base == "*":
	case strings.Contains(base, "-"):
		a, b, _ := strings.Cut(base, "-")
		var err error
		if lo, err = strconv.Atoi(a); err != nil {
			return fail("invalid range start")
		}
		if hi, err = strconv.Atoi(b); err != nil {
			return fail("invalid range end")
		}
		if lo > hi {
			return fail("range start after end")
		}
	default:
		v, err := strconv.Atoi(base)
		if err != nil {
			return fail("not a number")
		}
		lo = v
		if !hasStep {
			hi = v
		}
	}
	if lo < r.min || hi > r.max {
		return fail(fmt.Sprintf("out of range %d-%d", r.min, r.max))
	}
	for v := lo; v <= hi; v += step {
		seen[v] = true
	}
	return nil
}

func contains(set []int, v int) bool {
	i := sort.SearchInts(set, v)
	return i < len(set) && set[i] == v
}

// Matches reports whether every component of t is in the corresponding set.
func (e Expression) Matches(t time.Time) bool {
	return contains(e.Minutes, t.Minute()) &&
		contains(e.Hours, t.Hour()) &&
		contains(e.DaysOfMonth, t.Day()) &&
		contains(e.Months, int(t.Month())) &&
		contains(e.DaysOfWeek, int(t.Weekday()))
}

// Matches is the function form of Expression.Matches.
func Matches(t time.Time, e Expression) bool {
	return e.Matches(t)
}

// Next returns the first matching minute strictly after from, scanning at
// most one year ahead.
func (e Expression) Next(from time.Time) (time.Time, error) {
	t := truncateMinute(from).Add(time.Minute)
	for i := 0; i < searchLimit; i++ {
		if e.Matches(t) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrNoMatch, e.raw)
}

// NextRunTime parses expr and returns its next run time after from.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	e, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return e.Next(from)
}

func truncateMinute(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
}

func sameMinute(a, b time.Time) bool {
	return truncateMinute(a).Equal(truncateMinute(b))
}
