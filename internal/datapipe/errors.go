package datapipe

import "fmt"

type Stage string

const (
	StageActivePeriod     Stage = "ActivePeriod"
	StageFilters          Stage = "Filters"
	StageTransformations  Stage = "Transformations"
	StageProcessingPolicy Stage = "ProcessingPolicy"
)

// FieldError is one violated rule of a DataPipe document.
type FieldError struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
}

func (e FieldError) String() string { return string(e.Stage) + ": " + e.Message }

// ConfigError aggregates every FieldError found by a strict validation.
type ConfigError struct {
	Errors []FieldError
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("data pipe config is invalid: %d validation errors", len(e.Errors))
}

// Error is a DataPipe processing failure. Row is the 1-based import row, or 0
// when the failure is not bound to a row.
type Error struct {
	Row    int
	Reason string
}

func (e *Error) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
	}
	return e.Reason
}
