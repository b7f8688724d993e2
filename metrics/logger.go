package metrics

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// Logger records named scalar values at a global step.
type Logger interface {
	Log(step int, values map[string]float64) error
	Close() error
}

type row struct {
	step   int
	values map[string]float64
}

// CSVLogger writes metrics.csv with one row per Log call. Columns are "step"
// followed by every metric name seen so far, sorted; a row leaves the
// columns it does not carry empty. The file is rewritten when a new metric
// name appears and appended to otherwise.
type CSVLogger struct {
	fn      string
	columns []string
	known   map[string]bool
	rows    []row
}

func NewCSVLogger(dir string) (*CSVLogger, error) {
	fn := filepath.Join(dir, "metrics.csv")
	f, err := os.Create(fn)
	if err != nil {
		return nil, fmt.Errorf("cannot create metrics file: %w", err)
	}
	f.Close()
	return &CSVLogger{fn: fn, known: make(map[string]bool)}, nil
}

func (l *CSVLogger) Path() string {
	return l.fn
}

func (l *CSVLogger) Log(step int, values map[string]float64) error {
	cp := make(map[string]float64, len(values))
	grown := false
	for k, v := range values {
		cp[k] = v
		if !l.known[k] {
			l.known[k] = true
			l.columns = append(l.columns, k)
			grown = true
		}
	}
	l.rows = append(l.rows, row{step: step, values: cp})

	if grown {
		sort.Strings(l.columns)
		return l.rewrite()
	}
	return l.appendRow(l.rows[len(l.rows)-1])
}

func (l *CSVLogger) record(r row) []string {
	rec := make([]string, 0, len(l.columns)+1)
	rec = append(rec, strconv.Itoa(r.step))
	for _, c := range l.columns {
		if v, ok := r.values[c]; ok {
			rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
		} else {
			rec = append(rec, "")
		}
	}
	return rec
}

func (l *CSVLogger) rewrite() error {
	f, err := os.Create(l.fn)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.Write(append([]string{"step"}, l.columns...))
	for _, r := range l.rows {
		w.Write(l.record(r))
	}
	w.Flush()
	return errors.Join(w.Error(), f.Close())
}

func (l *CSVLogger) appendRow(r row) error {
	f, err := os.OpenFile(l.fn, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.Write(l.record(r))
	w.Flush()
	return errors.Join(w.Error(), f.Close())
}

func (l *CSVLogger) Close() error {
	return nil
}

// Multi fans every call out to all loggers and reports the first error.
type Multi []Logger

func (m Multi) Log(step int, values map[string]float64) error {
	var first error
	for _, l := range m {
		if err := l.Log(step, values); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() error {
	var first error
	for _, l := range m {
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
