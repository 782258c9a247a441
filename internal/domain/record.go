package domain

import (
	"time"

	"github.com/google/uuid"
)

type ProcessingPolicyType string

const (
	PolicyLastValue   ProcessingPolicyType = "LastValue"
	PolicyNRecords    ProcessingPolicyType = "NRecords"
	PolicyTimeWindow  ProcessingPolicyType = "TimeWindow"
	PolicyAggregation ProcessingPolicyType = "Aggregation"
)

type AggregationFunction string

const (
	AggregationAvg AggregationFunction = "Avg"
	AggregationMin AggregationFunction = "Min"
	AggregationMax AggregationFunction = "Max"
	AggregationSum AggregationFunction = "Sum"
)

// Record is one time-series row. Which optional fields are set depends on Policy:
// NRecords uses ID, TimeWindow uses ExpirationDatetime, Aggregation uses the window
// bounds, TimeWindowSize, AggregationType and Count.
type Record struct {
	ID                  int64                `json:"id,omitempty"`
	UnitNodeUUID        uuid.UUID            `json:"unit_node_uuid"`
	Policy              ProcessingPolicyType `json:"policy"`
	State               string               `json:"state"`
	CreateDatetime      time.Time            `json:"create_datetime"`
	ExpirationDatetime  *time.Time           `json:"expiration_datetime,omitempty"`
	StartWindowDatetime *time.Time           `json:"start_window_datetime,omitempty"`
	EndWindowDatetime   *time.Time           `json:"end_window_datetime,omitempty"`
	TimeWindowSize      int                  `json:"time_window_size,omitempty"`
	AggregationType     AggregationFunction  `json:"aggregation_type,omitempty"`
	Count               int                  `json:"count,omitempty"`
}
