// Package catalog reads and writes variable catalogs as CSV with the header
// name,type,value,elementId.
package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"maqlexpress/api/internal/editor"
	"maqlexpress/api/internal/store"
)

var Header = []string{"name", "type", "value", "elementId"}

var (
	ErrEmptyFile     = errors.New("csv file is empty")
	ErrMissingColumn = errors.New("csv header is missing a required column")
)

// RowError describes a rejected row. Line is 1-based and counts the header.
type RowError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

type ParseResult struct {
	Variables []store.Variable
	Rejected  []RowError
}

// Parse reads a catalog. Column order follows the header; unknown columns are
// ignored. Rows with a blank name or value, or an unknown type, are rejected
// without failing the whole file.
func Parse(r io.Reader) (ParseResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	head, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return ParseResult{}, ErrEmptyFile
	}
	if err != nil {
		return ParseResult{}, fmt.Errorf("read csv header: %w", err)
	}
	cols, err := columnIndex(head)
	if err != nil {
		return ParseResult{}, err
	}

	var res ParseResult
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return ParseResult{}, fmt.Errorf("read csv line %d: %w", line, err)
		}
		if blank(record) {
			continue
		}
		v, reason := rowToVariable(record, cols)
		if reason != "" {
			res.Rejected = append(res.Rejected, RowError{Line: line, Reason: reason})
			continue
		}
		res.Variables = append(res.Variables, v)
	}
	return res, nil
}

func columnIndex(head []string) (map[string]int, error) {
	cols := make(map[string]int, len(head))
	for i, name := range head {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, seen := cols[key]; !seen {
			cols[key] = i
		}
	}
	for _, required := range []string{"name", "type", "value"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, required)
		}
	}
	return cols, nil
}

func rowToVariable(record []string, cols map[string]int) (store.Variable, string) {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	v := store.Variable{
		Name:      field("name"),
		Value:     field("value"),
		ElementID: field("elementid"),
	}
	if v.Name == "" {
		return v, "name is required"
	}
	if v.Value == "" {
		return v, "value is required"
	}
	typ, err := editor.ParseVariableType(field("type"))
	if err != nil {
		return v, fmt.Sprintf("unknown type %q", field("type"))
	}
	v.Type = string(typ)
	if v.Type == store.VariableAttributeValue && v.ElementID == "" {
		return v, "elementId is required for attribute values"
	}
	return v.NormalizeElementID(), ""
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// Write emits vars under the standard header.
func Write(w io.Writer, vars []store.Variable) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, v := range vars {
		elementID := v.ElementID
		if elementID == "" {
			elementID = store.NoElement
		}
		if err := writer.Write([]string{v.Name, v.Type, v.Value, elementID}); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// Template returns the downloadable example catalog.
func Template() []byte {
	var b strings.Builder
	_ = Write(&b, []store.Variable{
		{Name: "Example Metric", Type: store.VariableMetric, Value: "10", ElementID: store.NoElement},
		{Name: "Example Attribute", Type: store.VariableAttribute, Value: "value", ElementID: store.NoElement},
		{Name: "Example Attribute Value", Type: store.VariableAttributeValue, Value: "value", ElementID: "element123"},
	})
	return []byte(b.String())
}
