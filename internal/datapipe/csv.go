package datapipe

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"pepeunit/internal/domain"
)

const (
	ColumnState               = "state"
	ColumnCreateDatetime      = "create_datetime"
	ColumnStartWindowDatetime = "start_window_datetime"
	ColumnEndWindowDatetime   = "end_window_datetime"
)

// Importer validates historical CSV data against a validated config.
type Importer struct {
	Config *Config
	Now    func() time.Time
}

func NewImporter(cfg *Config) *Importer {
	return &Importer{Config: cfg, Now: time.Now}
}

// Stream returns a lazy validator over r. It reads r once and cannot be restarted.
func (im *Importer) Stream(unitNodeUUID uuid.UUID, r io.Reader) *Stream {
	now := time.Now
	if im.Now != nil {
		now = im.Now
	}
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	return &Stream{
		cfg:    im.Config,
		now:    now().UTC(),
		node:   unitNodeUUID,
		reader: reader,
	}
}

// Stream yields validated records one row at a time. Iterate with Next and
// check Err once Next returns false.
type Stream struct {
	cfg    *Config
	now    time.Time
	node   uuid.UUID
	reader *csv.Reader
	cols   map[string]int

	started bool
	done    bool
	row     int
	emitted int
	rec     domain.Record
	err     error

	prevCreate *time.Time
	prevState  *string
	prevEnd    *time.Time
}

// Next validates the next row. It returns false at end of input or on the first
// invalid row; Err distinguishes the two.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	if !s.started {
		s.started = true
		if err := s.readHeader(); err != nil {
			return s.fail(err)
		}
	}
	fields, err := s.reader.Read()
	if errors.Is(err, io.EOF) {
		s.done = true
		return false
	}
	s.row++
	if err != nil {
		return s.fail(&Error{Row: s.row, Reason: fmt.Sprintf("malformed csv: %v", err)})
	}
	rec, err := s.validate(fields)
	if err != nil {
		return s.fail(&Error{Row: s.row, Reason: err.Error()})
	}
	s.rec = rec
	s.emitted++
	return true
}

// Record is the record validated by the last successful Next.
func (s *Stream) Record() domain.Record { return s.rec }

// Err returns the first validation failure, nil on clean end of input.
func (s *Stream) Err() error { return s.err }

// Row is the number of data rows consumed so far.
func (s *Stream) Row() int { return s.row }

func (s *Stream) fail(err error) bool {
	s.err = err
	s.done = true
	return false
}

func (s *Stream) readHeader() error {
	if s.cfg == nil {
		return &Error{Reason: "data pipe config is required for import"}
	}
	if s.cfg.ProcessingPolicy.PolicyType == domain.PolicyLastValue {
		return &Error{Reason: "LastValue policy does not support data import"}
	}
	header, err := s.reader.Read()
	if errors.Is(err, io.EOF) {
		return &Error{Reason: "csv header row is required"}
	}
	if err != nil {
		return &Error{Reason: fmt.Sprintf("malformed csv header: %v", err)}
	}
	s.cols = make(map[string]int, len(header))
	for i, name := range header {
		s.cols[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	required := []string{ColumnState, ColumnCreateDatetime}
	if s.cfg.ProcessingPolicy.PolicyType == domain.PolicyAggregation {
		required = append(required, ColumnStartWindowDatetime, ColumnEndWindowDatetime)
	}
	var missing []string
	for _, col := range required {
		if _, ok := s.cols[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return &Error{Reason: fmt.Sprintf("csv header is missing columns: %s", strings.Join(missing, ", "))}
	}
	return nil
}

func (s *Stream) field(fields []string, col string) string {
	i := s.cols[col]
	if i >= len(fields) {
		return ""
	}
	return fields[i]
}

func parseCSVDatetime(col, raw string) (time.Time, error) {
	t, err := time.Parse("2006-01-02 15:04:05", strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%s %q must use format YYYY-MM-DD HH:MM:SS[.ffffff]", col, raw)
	}
	return t.UTC(), nil
}

func (s *Stream) validate(fields []string) (domain.Record, error) {
	cfg := s.cfg
	createAt, err := parseCSVDatetime(ColumnCreateDatetime, s.field(fields, ColumnCreateDatetime))
	if err != nil {
		return domain.Record{}, err
	}
	value, err := cfg.Cast(s.field(fields, ColumnState))
	if err != nil {
		return domain.Record{}, err
	}

	if s.prevCreate != nil && createAt.Before(*s.prevCreate) {
		return domain.Record{}, fmt.Errorf("create_datetime %s is earlier than the previous row %s", formatTime(createAt), formatTime(*s.prevCreate))
	}
	if err := cfg.CheckActivePeriod(createAt); err != nil {
		return domain.Record{}, err
	}
	if err := cfg.CheckFilteringList(value); err != nil {
		return domain.Record{}, err
	}
	if err := cfg.CheckThreshold(value); err != nil {
		return domain.Record{}, err
	}
	if cfg.RateLimited() {
		if err := cfg.CheckMaxRate(s.prevCreate, createAt); err != nil {
			return domain.Record{}, err
		}
		if err := cfg.CheckLastUnique(s.prevState, value); err != nil {
			return domain.Record{}, err
		}
	}
	if err := cfg.CheckMaxSize(value); err != nil {
		return domain.Record{}, err
	}

	rec := domain.Record{
		UnitNodeUUID:   s.node,
		Policy:         cfg.ProcessingPolicy.PolicyType,
		State:          value.String(),
		CreateDatetime: createAt,
	}
	switch cfg.ProcessingPolicy.PolicyType {
	case domain.PolicyTimeWindow:
		err = s.timeWindow(&rec)
	case domain.PolicyNRecords:
		err = s.nRecords(&rec)
	case domain.PolicyAggregation:
		err = s.aggregation(&rec, fields)
	}
	if err != nil {
		return domain.Record{}, err
	}

	state := rec.State
	s.prevCreate = &createAt
	s.prevState = &state
	return rec, nil
}

func (s *Stream) timeWindow(rec *domain.Record) error {
	size := s.cfg.ProcessingPolicy.WindowSize()
	from := s.now.Add(-size)
	if rec.CreateDatetime.Before(from) || rec.CreateDatetime.After(s.now) {
		return fmt.Errorf("create_datetime %s is outside the time window %s - %s", formatTime(rec.CreateDatetime), formatTime(from), formatTime(s.now))
	}
	exp := rec.CreateDatetime.Add(size)
	rec.ExpirationDatetime = &exp
	rec.TimeWindowSize = int(size / time.Second)
	return nil
}

func (s *Stream) nRecords(rec *domain.Record) error {
	limit := *s.cfg.ProcessingPolicy.NRecordsCount
	if s.emitted+1 > limit {
		return fmt.Errorf("row count exceeds n_records_count %d", limit)
	}
	rec.ID = int64(s.row)
	return nil
}

func (s *Stream) aggregation(rec *domain.Record, fields []string) error {
	size := s.cfg.ProcessingPolicy.WindowSize()
	start, err := parseCSVDatetime(ColumnStartWindowDatetime, s.field(fields, ColumnStartWindowDatetime))
	if err != nil {
		return err
	}
	end, err := parseCSVDatetime(ColumnEndWindowDatetime, s.field(fields, ColumnEndWindowDatetime))
	if err != nil {
		return err
	}
	if !minuteAligned(start) || !minuteAligned(end) {
		return fmt.Errorf("window bounds %s - %s must have zero seconds", formatTime(start), formatTime(end))
	}
	if end.Before(start) {
		return fmt.Errorf("end_window_datetime %s is earlier than start_window_datetime %s", formatTime(end), formatTime(start))
	}
	if d := rec.CreateDatetime.Sub(end).Abs(); d >= MinTimeWindowSize() {
		return fmt.Errorf("create_datetime %s is %s away from end_window_datetime, must be under %s", formatTime(rec.CreateDatetime), d, MinTimeWindowSize())
	}
	if end.Sub(start) != size {
		return fmt.Errorf("window length %s does not match time_window_size %s", end.Sub(start), size)
	}
	if s.prevEnd != nil {
		delta := end.Sub(*s.prevEnd)
		if delta <= 0 {
			return fmt.Errorf("window ending %s overlaps the previous window ending %s", formatTime(end), formatTime(*s.prevEnd))
		}
		if delta%size != 0 {
			return fmt.Errorf("window ending %s is not aligned to the previous window by multiples of %s", formatTime(end), size)
		}
	}
	rec.StartWindowDatetime = &start
	rec.EndWindowDatetime = &end
	rec.TimeWindowSize = int(size / time.Second)
	rec.AggregationType = *s.cfg.ProcessingPolicy.AggregationFunctions
	s.prevEnd = &end
	return nil
}

func minuteAligned(t time.Time) bool {
	return t.Second() == 0 && t.Nanosecond() == 0
}
