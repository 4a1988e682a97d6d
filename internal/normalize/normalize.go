// Package normalize implements the record-flattening transform shared by the
// backfill and live paths of the signal pipeline.
//
// A source document carries its analyst results as a nested list of
// sub-records. Normalization explodes that list: each sub-record is merged
// over a copy of its parent document, the result is restricted to a selected
// key set, optionally renamed, and stamped with a freshly generated signal
// identifier. The transform is pure and keeps input order; it is
// deterministic except for the generated identifiers.
package normalize

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Record is one loosely-structured document from the source collection.
type Record map[string]any

// Field names with special meaning to the transform.
const (
	// SignalIDField is the reserved output field carrying the generated
	// signal identifier. It is always assigned last so key selection and
	// renaming cannot remove or clobber it.
	SignalIDField = "signal_id"

	// SystemIDField is the storage-assigned document identifier. It never
	// propagates to output records.
	SystemIDField = "_id"
)

// ColumnCandidates is the closed set of recognized nested-output field names,
// checked in order during auto-detection.
var ColumnCandidates = [...]string{"analyst_consensus_output", "analyst_outputs"}

// DefaultSelectKeys returns the default key-selection set. Both spellings of
// the article identifier are kept because upstream emits either. The caller
// receives a fresh copy each time.
func DefaultSelectKeys() []string {
	return []string{
		"article_db_id",
		"artical_db_id",
		"published_datetime",
		"pair",
		"category_name",
	}
}

// Options controls a single normalization call.
type Options struct {
	// Column is the nested-output field to flatten. When empty, the column
	// is auto-detected from ColumnCandidates.
	Column string

	// SelectKeys restricts output records to these keys (plus the signal
	// identifier). Nil means DefaultSelectKeys; an explicit empty slice
	// disables selection entirely.
	SelectKeys []string

	// RenameKeys maps selected key names to their output names. Keys absent
	// from the map pass through unchanged.
	RenameKeys map[string]string
}

// InvalidInputError reports a malformed record set. It is a caller bug, not a
// recoverable condition.
type InvalidInputError struct {
	Reason string
}

// Error implements the error interface.
func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("normalize: invalid input: %s", e.Reason)
}

// MissingColumnError reports that no usable nested-output column was found in
// the record set.
type MissingColumnError struct {
	// Column is the explicitly requested column, empty for auto-detection.
	Column string

	// Candidates lists the recognized column names that were checked.
	Candidates []string
}

// Error implements the error interface.
func (e *MissingColumnError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("normalize: column %q not found in any record", e.Column)
	}
	return fmt.Sprintf("normalize: none of %s found in any record", strings.Join(e.Candidates, ", "))
}

// DetectColumn resolves the nested-output column for a record set. An
// explicit non-empty column is validated against the set; otherwise the
// candidates are checked in order and the first one present in any record
// wins. Detection is a pure function of the record set, so repeated calls
// with the same input resolve the same column.
func DetectColumn(records []Record, column string) (string, error) {
	if column != "" {
		if !anyHasKey(records, column) {
			return "", &MissingColumnError{Column: column}
		}
		return column, nil
	}
	for _, candidate := range ColumnCandidates {
		if anyHasKey(records, candidate) {
			return candidate, nil
		}
	}
	return "", &MissingColumnError{Candidates: append([]string(nil), ColumnCandidates[:]...)}
}

// Normalize flattens the nested-output column of each record into one output
// record per sub-record. A record whose column is absent, or whose value is
// not a list, contributes nothing. Output order is input record order, then
// sub-record order within each record.
func Normalize(records []Record, opts Options) ([]Record, error) {
	if records == nil {
		return nil, &InvalidInputError{Reason: "record set is nil"}
	}
	for i, record := range records {
		if record == nil {
			return nil, &InvalidInputError{Reason: fmt.Sprintf("record %d is nil", i)}
		}
	}

	column, err := DetectColumn(records, opts.Column)
	if err != nil {
		return nil, err
	}

	selectKeys := opts.SelectKeys
	if selectKeys == nil {
		selectKeys = DefaultSelectKeys()
	}

	out := make([]Record, 0, len(records))
	for _, record := range records {
		nested, ok := record[column].([]any)
		if !ok {
			continue
		}
		for _, sub := range nested {
			out = append(out, flattenOne(record, sub, column, selectKeys, opts.RenameKeys))
		}
	}
	return out, nil
}

// flattenOne produces a single output record from a parent record and one of
// its sub-records.
func flattenOne(record Record, sub any, column string, selectKeys []string, renames map[string]string) Record {
	flat := make(Record, len(record))
	for k, v := range record {
		flat[k] = v
	}
	delete(flat, column)
	delete(flat, SystemIDField)

	// Sub-record keys win over parent keys on conflict.
	if subMap, ok := sub.(map[string]any); ok {
		for k, v := range subMap {
			flat[k] = v
		}
	}

	if len(selectKeys) > 0 {
		selected := make(Record, len(selectKeys))
		for _, k := range selectKeys {
			if v, ok := flat[k]; ok {
				selected[k] = v
			}
		}
		flat = selected
	}

	if len(renames) > 0 {
		renamed := make(Record, len(flat))
		for k, v := range flat {
			if newKey, ok := renames[k]; ok {
				renamed[newKey] = v
			} else {
				renamed[k] = v
			}
		}
		flat = renamed
	}

	flat[SignalIDField] = uuid.NewString()
	return flat
}

func anyHasKey(records []Record, key string) bool {
	for _, record := range records {
		if _, ok := record[key]; ok {
			return true
		}
	}
	return false
}
