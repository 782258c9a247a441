package datapipe

import (
	"fmt"
	"math"

	"pepeunit/internal/domain"
)

// Validator checks DataPipe documents. MaxPayloadSize is the broker payload
// limit in KiB; max_size may not exceed it.
type Validator struct {
	MaxPayloadSize int
}

// Validate is the strict path: any violation yields a *ConfigError and no config.
func (v Validator) Validate(raw map[string]any) (*Config, error) {
	if raw == nil {
		return nil, &Error{Reason: "data pipe config is empty"}
	}
	cfg, errs := v.build(raw)
	if len(errs) > 0 {
		return nil, &ConfigError{Errors: errs}
	}
	return cfg, nil
}

// Check is the preview path: it reports every violation instead of failing.
func (v Validator) Check(raw map[string]any) ([]FieldError, error) {
	if raw == nil {
		return nil, &Error{Reason: "data pipe config is empty"}
	}
	_, errs := v.build(raw)
	return errs, nil
}

// ValidateDocument parses then strictly validates a YAML/JSON document.
func (v Validator) ValidateDocument(data []byte) (*Config, error) {
	raw, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return v.Validate(raw)
}

type collector struct {
	errs []FieldError
}

func (c *collector) add(stage Stage, format string, args ...any) {
	c.errs = append(c.errs, FieldError{Stage: stage, Message: fmt.Sprintf(format, args...)})
}

func (v Validator) build(raw map[string]any) (*Config, []FieldError) {
	var (
		cfg Config
		c   collector
	)
	periodOK := v.section(&c, raw, "active_period", StageActivePeriod, true, &cfg.ActivePeriod)
	if periodOK {
		validateActivePeriod(&c, cfg.ActivePeriod)
	}

	inputKnown := false
	if v.section(&c, raw, "filters", StageFilters, true, &cfg.Filters) {
		v.validateFilters(&c, cfg.Filters)
		inputKnown = cfg.Filters.TypeInputValue == InputText || cfg.Filters.TypeInputValue == InputNumber
	}

	var t Transformations
	if v.section(&c, raw, "transformations", StageTransformations, false, &t) {
		cfg.Transformations = &t
		validateTransformations(&c, t, cfg.Filters.TypeInputValue, inputKnown)
	}

	if v.section(&c, raw, "processing_policy", StageProcessingPolicy, true, &cfg.ProcessingPolicy) {
		validateProcessingPolicy(&c, cfg.ProcessingPolicy, cfg.Filters.TypeInputValue, inputKnown)
	}
	return &cfg, c.errs
}

func (v Validator) section(c *collector, raw map[string]any, key string, stage Stage, required bool, out any) bool {
	value, ok := raw[key]
	if !ok || value == nil {
		if required {
			c.add(stage, "%s is required", key)
		}
		return false
	}
	if err := decodeSection(value, out); err != nil {
		c.add(stage, "%s is malformed: %v", key, err)
		return false
	}
	return true
}

func validateActivePeriod(c *collector, p ActivePeriod) {
	switch p.Type {
	case PeriodPermanent:
	case PeriodFromDate:
		if p.Start == nil {
			c.add(StageActivePeriod, "start is required for FromDate")
		}
	case PeriodToDate:
		if p.End == nil {
			c.add(StageActivePeriod, "end is required for ToDate")
		}
	case PeriodDateRange:
		if p.Start == nil || p.End == nil {
			c.add(StageActivePeriod, "start and end are required for DateRange")
			return
		}
		if !p.Start.Before(p.End.Time) {
			c.add(StageActivePeriod, "start must be earlier than end")
		}
	default:
		c.add(StageActivePeriod, "type must be one of Permanent, FromDate, ToDate, DateRange, got %q", p.Type)
	}
}

func (v Validator) validateFilters(c *collector, f Filters) {
	switch f.TypeInputValue {
	case InputText, InputNumber:
	default:
		c.add(StageFilters, "type_input_value must be Text or Number, got %q", f.TypeInputValue)
		return
	}

	if f.TypeValueFiltering != nil {
		switch *f.TypeValueFiltering {
		case FilteringWhiteList, FilteringBlackList:
		default:
			c.add(StageFilters, "type_value_filtering must be WhiteList or BlackList, got %q", *f.TypeValueFiltering)
		}
		if len(f.FilteringValues) == 0 {
			c.add(StageFilters, "filtering_values is required for %s", *f.TypeValueFiltering)
		}
	} else if len(f.FilteringValues) > 0 {
		c.add(StageFilters, "type_value_filtering is required when filtering_values is set")
	}
	for i, value := range f.FilteringValues {
		if !valueMatchesType(value, f.TypeInputValue) {
			c.add(StageFilters, "filtering_values[%d] = %v does not match type_input_value %s", i, value, f.TypeInputValue)
		}
	}

	if f.TypeValueThreshold != nil {
		if f.TypeInputValue != InputNumber {
			c.add(StageFilters, "type_value_threshold is only available for Number")
		} else {
			switch *f.TypeValueThreshold {
			case ThresholdMin:
				if f.ThresholdMin == nil {
					c.add(StageFilters, "threshold_min is required for Min")
				}
			case ThresholdMax:
				if f.ThresholdMax == nil {
					c.add(StageFilters, "threshold_max is required for Max")
				}
			case ThresholdRange:
				if f.ThresholdMin == nil || f.ThresholdMax == nil {
					c.add(StageFilters, "threshold_min and threshold_max are required for Range")
				} else if !(*f.ThresholdMin < *f.ThresholdMax) {
					c.add(StageFilters, "threshold_min must be less than threshold_max")
				}
			default:
				c.add(StageFilters, "type_value_threshold must be Min, Max or Range, got %q", *f.TypeValueThreshold)
			}
		}
	}

	if f.MaxRate < 0 || f.MaxRate > MaxRateSeconds {
		c.add(StageFilters, "max_rate must be between 0 and %d seconds", MaxRateSeconds)
	}
	if f.MaxSize < 0 {
		c.add(StageFilters, "max_size must not be negative")
	}
	if limit := v.MaxPayloadSize * 1024; f.MaxSize > limit {
		c.add(StageFilters, "max_size %d exceeds the mqtt payload limit of %d bytes", f.MaxSize, limit)
	}
}

func valueMatchesType(value any, t InputType) bool {
	switch value.(type) {
	case int, int64, uint64, float64:
		return t == InputNumber
	case string:
		return t == InputText
	}
	return false
}

func validateTransformations(c *collector, t Transformations, input InputType, inputKnown bool) {
	if t.RoundDecimalPoint != nil && (*t.RoundDecimalPoint < 0 || *t.RoundDecimalPoint > MaxRoundPrecision) {
		c.add(StageTransformations, "round_decimal_point must be between 0 and %d", MaxRoundPrecision)
	}
	if t.MultiplicationRatio != nil && (math.IsNaN(*t.MultiplicationRatio) || math.IsInf(*t.MultiplicationRatio, 0)) {
		c.add(StageTransformations, "multiplication_ratio must be a finite number")
	}
	if t.SliceStart != nil && *t.SliceStart < 0 {
		c.add(StageTransformations, "slice_start must not be negative")
	}
	if t.SliceEnd != nil && *t.SliceEnd < 0 {
		c.add(StageTransformations, "slice_end must not be negative")
	}
	if t.SliceStart != nil && t.SliceEnd != nil && *t.SliceStart >= *t.SliceEnd {
		c.add(StageTransformations, "slice_start must be less than slice_end")
	}
	if !inputKnown {
		return
	}
	numeric := t.MultiplicationRatio != nil || t.RoundDecimalPoint != nil
	slicing := t.SliceStart != nil || t.SliceEnd != nil
	if numeric && input != InputNumber {
		c.add(StageTransformations, "multiplication_ratio and round_decimal_point require Number input")
	}
	if slicing && input != InputText {
		c.add(StageTransformations, "slice_start and slice_end require Text input")
	}
}

func validateProcessingPolicy(c *collector, p ProcessingPolicy, input InputType, inputKnown bool) {
	switch p.PolicyType {
	case domain.PolicyLastValue:
	case domain.PolicyNRecords:
		if p.NRecordsCount == nil {
			c.add(StageProcessingPolicy, "n_records_count is required for NRecords")
		} else if *p.NRecordsCount <= 0 || *p.NRecordsCount > MaxNRecordsCount {
			c.add(StageProcessingPolicy, "n_records_count must be in (0, %d], got %d", MaxNRecordsCount, *p.NRecordsCount)
		}
	case domain.PolicyTimeWindow, domain.PolicyAggregation:
		if p.TimeWindowSize == nil {
			c.add(StageProcessingPolicy, "time_window_size is required for %s", p.PolicyType)
		} else if !allowedTimeWindowSize(*p.TimeWindowSize) {
			c.add(StageProcessingPolicy, "time_window_size must be one of %v, got %d", AllowedTimeWindowSizes, *p.TimeWindowSize)
		}
		if p.PolicyType != domain.PolicyAggregation {
			break
		}
		if p.AggregationFunctions == nil {
			c.add(StageProcessingPolicy, "aggregation_functions is required for Aggregation")
		} else {
			switch *p.AggregationFunctions {
			case domain.AggregationAvg, domain.AggregationMin, domain.AggregationMax, domain.AggregationSum:
			default:
				c.add(StageProcessingPolicy, "aggregation_functions must be Avg, Min, Max or Sum, got %q", *p.AggregationFunctions)
			}
		}
		if inputKnown && input != InputNumber {
			c.add(StageProcessingPolicy, "Aggregation requires Number input")
		}
	default:
		c.add(StageProcessingPolicy, "policy_type must be LastValue, NRecords, TimeWindow or Aggregation, got %q", p.PolicyType)
	}
}
