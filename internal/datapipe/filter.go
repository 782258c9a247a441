package datapipe

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"pepeunit/internal/domain"
)

// Value is one state value cast to the configured input type.
type Value struct {
	Type   InputType
	Text   string
	Number float64
}

func (v Value) String() string {
	if v.Type == InputNumber {
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	}
	return v.Text
}

// Equal compares with a persisted state string using the value's own type.
func (v Value) Equal(state string) bool {
	if v.Type == InputNumber {
		n, err := strconv.ParseFloat(strings.TrimSpace(state), 64)
		return err == nil && n == v.Number
	}
	return v.Text == state
}

// Cast converts a raw payload to the configured input type.
func (c *Config) Cast(raw string) (Value, error) {
	if c.Filters.TypeInputValue == InputNumber {
		n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return Value{}, fmt.Errorf("state %q is not a Number", raw)
		}
		return Value{Type: InputNumber, Number: n}, nil
	}
	return Value{Type: InputText, Text: raw}, nil
}

// RateLimited reports whether the processing policy enforces max_rate and
// last_unique_check on imported rows.
func (c *Config) RateLimited() bool {
	switch c.ProcessingPolicy.PolicyType {
	case domain.PolicyNRecords, domain.PolicyTimeWindow:
		return true
	}
	return false
}

func (c *Config) CheckActivePeriod(t time.Time) error {
	p := c.ActivePeriod
	switch p.Type {
	case PeriodFromDate:
		if t.Before(p.Start.Time) {
			return fmt.Errorf("%s is before the active period start %s", formatTime(t), formatTime(p.Start.Time))
		}
	case PeriodToDate:
		if t.After(p.End.Time) {
			return fmt.Errorf("%s is after the active period end %s", formatTime(t), formatTime(p.End.Time))
		}
	case PeriodDateRange:
		if t.Before(p.Start.Time) || t.After(p.End.Time) {
			return fmt.Errorf("%s is outside the active period %s - %s", formatTime(t), formatTime(p.Start.Time), formatTime(p.End.Time))
		}
	}
	return nil
}

func (c *Config) CheckFilteringList(v Value) error {
	f := c.Filters
	if f.TypeValueFiltering == nil || len(f.FilteringValues) == 0 {
		return nil
	}
	found := false
	for _, candidate := range f.FilteringValues {
		if listValueEqual(candidate, v) {
			found = true
			break
		}
	}
	switch *f.TypeValueFiltering {
	case FilteringWhiteList:
		if !found {
			return fmt.Errorf("state %s is not in the white list", v)
		}
	case FilteringBlackList:
		if found {
			return fmt.Errorf("state %s is in the black list", v)
		}
	}
	return nil
}

func listValueEqual(candidate any, v Value) bool {
	if v.Type == InputNumber {
		switch n := candidate.(type) {
		case int:
			return float64(n) == v.Number
		case int64:
			return float64(n) == v.Number
		case uint64:
			return float64(n) == v.Number
		case float64:
			return n == v.Number
		}
		return false
	}
	s, ok := candidate.(string)
	return ok && s == v.Text
}

func (c *Config) CheckThreshold(v Value) error {
	f := c.Filters
	if f.TypeValueThreshold == nil || v.Type != InputNumber {
		return nil
	}
	switch *f.TypeValueThreshold {
	case ThresholdMin:
		if v.Number < *f.ThresholdMin {
			return fmt.Errorf("state %s is below threshold_min %v", v, *f.ThresholdMin)
		}
	case ThresholdMax:
		if v.Number > *f.ThresholdMax {
			return fmt.Errorf("state %s is above threshold_max %v", v, *f.ThresholdMax)
		}
	case ThresholdRange:
		if v.Number < *f.ThresholdMin || v.Number > *f.ThresholdMax {
			return fmt.Errorf("state %s is outside threshold range [%v, %v]", v, *f.ThresholdMin, *f.ThresholdMax)
		}
	}
	return nil
}

// CheckMaxRate enforces a minimum spacing of max_rate seconds after prev.
func (c *Config) CheckMaxRate(prev *time.Time, t time.Time) error {
	if c.Filters.MaxRate <= 0 || prev == nil {
		return nil
	}
	next := prev.Add(time.Duration(c.Filters.MaxRate) * time.Second)
	if next.After(t) {
		return fmt.Errorf("max_rate %ds exceeded: previous value at %s, next allowed at %s", c.Filters.MaxRate, formatTime(*prev), formatTime(next))
	}
	return nil
}

func (c *Config) CheckLastUnique(prev *string, v Value) error {
	if !c.Filters.LastUniqueCheck || prev == nil {
		return nil
	}
	if v.Equal(*prev) {
		return fmt.Errorf("state %s repeats the previous value", v)
	}
	return nil
}

func (c *Config) CheckMaxSize(v Value) error {
	if c.Filters.MaxSize <= 0 {
		return nil
	}
	if n := len(v.String()); n > c.Filters.MaxSize {
		return fmt.Errorf("state size %d exceeds max_size %d", n, c.Filters.MaxSize)
	}
	return nil
}

// ErrFiltered marks a live value rejected by the node's filters.
var ErrFiltered = errors.New("value rejected by data pipe filters")

// Accept runs the filter chain against one live value. lastUpdate and lastState
// describe the node before this value arrives.
func (c *Config) Accept(v Value, at time.Time, lastUpdate *time.Time, lastState *string) error {
	checks := []func() error{
		func() error { return c.CheckActivePeriod(at) },
		func() error { return c.CheckFilteringList(v) },
		func() error { return c.CheckThreshold(v) },
		func() error { return c.CheckMaxRate(lastUpdate, at) },
		func() error { return c.CheckLastUnique(lastState, v) },
		func() error { return c.CheckMaxSize(v) },
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return fmt.Errorf("%w: %v", ErrFiltered, err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}
