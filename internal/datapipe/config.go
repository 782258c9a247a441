package datapipe

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pepeunit/internal/domain"
)

type ActivePeriodType string

const (
	PeriodPermanent ActivePeriodType = "Permanent"
	PeriodFromDate  ActivePeriodType = "FromDate"
	PeriodToDate    ActivePeriodType = "ToDate"
	PeriodDateRange ActivePeriodType = "DateRange"
)

type InputType string

const (
	InputText   InputType = "Text"
	InputNumber InputType = "Number"
)

type FilteringType string

const (
	FilteringWhiteList FilteringType = "WhiteList"
	FilteringBlackList FilteringType = "BlackList"
)

type ThresholdType string

const (
	ThresholdMin   ThresholdType = "Min"
	ThresholdMax   ThresholdType = "Max"
	ThresholdRange ThresholdType = "Range"
)

const (
	MaxRateSeconds    = 86400
	MaxNRecordsCount  = 1024
	MaxRoundPrecision = 7
)

// AllowedTimeWindowSizes lists the window sizes in seconds accepted by TimeWindow
// and Aggregation policies, smallest first.
var AllowedTimeWindowSizes = []int{60, 300, 600, 900, 1800, 3600, 10800, 21600, 43200, 86400}

// MinTimeWindowSize is the freshness bound for imported aggregation buckets.
func MinTimeWindowSize() time.Duration {
	return time.Duration(AllowedTimeWindowSizes[0]) * time.Second
}

func allowedTimeWindowSize(v int) bool {
	for _, s := range AllowedTimeWindowSizes {
		if s == v {
			return true
		}
	}
	return false
}

// Config is a validated DataPipe document. Build one through Validator.Validate.
type Config struct {
	ActivePeriod     ActivePeriod     `yaml:"active_period" json:"active_period"`
	Filters          Filters          `yaml:"filters" json:"filters"`
	Transformations  *Transformations `yaml:"transformations,omitempty" json:"transformations,omitempty"`
	ProcessingPolicy ProcessingPolicy `yaml:"processing_policy" json:"processing_policy"`
}

type ActivePeriod struct {
	Type  ActivePeriodType `yaml:"type" json:"type"`
	Start *Datetime        `yaml:"start,omitempty" json:"start,omitempty"`
	End   *Datetime        `yaml:"end,omitempty" json:"end,omitempty"`
}

type Filters struct {
	TypeInputValue     InputType      `yaml:"type_input_value" json:"type_input_value"`
	TypeValueFiltering *FilteringType `yaml:"type_value_filtering,omitempty" json:"type_value_filtering,omitempty"`
	FilteringValues    []any          `yaml:"filtering_values,omitempty" json:"filtering_values,omitempty"`
	TypeValueThreshold *ThresholdType `yaml:"type_value_threshold,omitempty" json:"type_value_threshold,omitempty"`
	ThresholdMin       *float64       `yaml:"threshold_min,omitempty" json:"threshold_min,omitempty"`
	ThresholdMax       *float64       `yaml:"threshold_max,omitempty" json:"threshold_max,omitempty"`
	MaxRate            int            `yaml:"max_rate" json:"max_rate"`
	LastUniqueCheck    bool           `yaml:"last_unique_check" json:"last_unique_check"`
	MaxSize            int            `yaml:"max_size" json:"max_size"`
}

type Transformations struct {
	MultiplicationRatio *float64 `yaml:"multiplication_ratio,omitempty" json:"multiplication_ratio,omitempty"`
	RoundDecimalPoint   *int     `yaml:"round_decimal_point,omitempty" json:"round_decimal_point,omitempty"`
	SliceStart          *int     `yaml:"slice_start,omitempty" json:"slice_start,omitempty"`
	SliceEnd            *int     `yaml:"slice_end,omitempty" json:"slice_end,omitempty"`
}

type ProcessingPolicy struct {
	PolicyType           domain.ProcessingPolicyType `yaml:"policy_type" json:"policy_type"`
	NRecordsCount        *int                        `yaml:"n_records_count,omitempty" json:"n_records_count,omitempty"`
	TimeWindowSize       *int                        `yaml:"time_window_size,omitempty" json:"time_window_size,omitempty"`
	AggregationFunctions *domain.AggregationFunction `yaml:"aggregation_functions,omitempty" json:"aggregation_functions,omitempty"`
}

// WindowSize returns the configured window, zero when the policy has none.
func (p ProcessingPolicy) WindowSize() time.Duration {
	if p.TimeWindowSize == nil {
		return 0
	}
	return time.Duration(*p.TimeWindowSize) * time.Second
}

// Datetime accepts ISO-8601 and "YYYY-MM-DD HH:MM:SS[.ffffff]" forms. Naive values are UTC.
type Datetime struct {
	time.Time
}

var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDatetime parses the datetime forms used in DataPipe documents and CSV imports.
func ParseDatetime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q", s)
}

func (d *Datetime) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	t, err := ParseDatetime(s)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

func (d Datetime) MarshalYAML() (any, error) {
	return d.Time.UTC().Format(time.RFC3339Nano), nil
}

// Parse decodes a YAML or JSON DataPipe document into a raw mapping. An empty
// document yields a nil map.
func Parse(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Reason: fmt.Sprintf("invalid data pipe yaml: %v", err)}
	}
	return raw, nil
}

// MarshalDocument renders a config back into its persisted YAML form.
func (c *Config) MarshalDocument() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeSection re-encodes one raw section and decodes it strictly into out.
func decodeSection(section any, out any) error {
	data, err := yaml.Marshal(section)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return cleanYAMLError(err)
	}
	return nil
}

func cleanYAMLError(err error) error {
	if te, ok := err.(*yaml.TypeError); ok {
		msgs := make([]string, 0, len(te.Errors))
		for _, m := range te.Errors {
			if i := strings.Index(m, ": "); strings.HasPrefix(m, "line ") && i > 0 {
				m = m[i+2:]
			}
			msgs = append(msgs, m)
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return err
}
