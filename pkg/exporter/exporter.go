package exporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/atomicdeploy/airexport/pkg/airtable"
)

// ExportFormat represents the export format type
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

// IDColumn is the first CSV column
const IDColumn = "id"

// ParseFormat validates a --format value
func ParseFormat(s string) (ExportFormat, error) {
	switch ExportFormat(strings.ToLower(strings.TrimSpace(s))) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported format %q (expected json or csv)", s)
	}
}

// Extension returns the file extension for the format, with the dot
func (f ExportFormat) Extension() string {
	return "." + string(f)
}

var (
	jsonScalar = `(?:"(?:[^"\\]|\\.)*"|-?\d+(?:\.\d+)?(?:[eE][+-]?\d+)?|true|false|null)`

	// multi-line arrays holding only scalar values
	scalarArrayRegex = regexp.MustCompile(`\[\s*` + jsonScalar + `(?:,\s*` + jsonScalar + `)*\s*\]`)
	scalarTokenRegex = regexp.MustCompile(jsonScalar)
)

// Exporter writes table records to files
type Exporter struct {
	converter func(string) string
}

// NewExporter creates a new exporter with optional converter function
// applied to every string value before writing
func NewExporter(converter func(string) string) *Exporter {
	return &Exporter{
		converter: converter,
	}
}

// ExportToJSON exports records to a JSON file keyed by record ID
func (e *Exporter) ExportToJSON(records []airtable.Record, outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	if err := e.ExportToJSONWriter(records, file); err != nil {
		return err
	}
	return file.Close()
}

// ExportToJSONWriter writes records as a JSON object keyed by record ID
func (e *Exporter) ExportToJSONWriter(records []airtable.Record, w io.Writer) error {
	transformed := e.TransformRecords(records)

	data, err := json.MarshalIndent(transformed, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	// Keep short value lists (multiple selects, linked record IDs) on one line
	output := makeArraysInline(string(data)) + "\n"

	if _, err := io.WriteString(w, output); err != nil {
		return fmt.Errorf("failed to write JSON: %w", err)
	}
	return nil
}

// ExportToCSV exports records to a CSV file with the given field order
func (e *Exporter) ExportToCSV(records []airtable.Record, fields []string, outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	if err := e.ExportToCSVWriter(records, fields, file); err != nil {
		return err
	}
	return file.Close()
}

// ExportToCSVWriter writes an "id" column followed by fields.
// When fields is empty the union of record field names is used.
func (e *Exporter) ExportToCSVWriter(records []airtable.Record, fields []string, w io.Writer) error {
	if len(fields) == 0 {
		fields = FieldsFromRecords(records)
	}

	writer := csv.NewWriter(w)

	header := append([]string{IDColumn}, fields...)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, record := range e.convertRecords(records) {
		row := make([]string, len(header))
		row[0] = record.ID
		for i, field := range fields {
			row[i+1] = formatCell(record.Fields[field])
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to write CSV: %w", err)
	}
	return nil
}

// TransformRecords converts records into the JSON export shape:
// the record ID is the key and the fields are the value.
func (e *Exporter) TransformRecords(records []airtable.Record) map[string]any {
	result := make(map[string]any, len(records))
	for _, record := range e.convertRecords(records) {
		if record.ID == "" {
			continue
		}
		result[record.ID] = record.Fields
	}
	return result
}

// convertRecords applies the converter to string values, including inside lists
func (e *Exporter) convertRecords(records []airtable.Record) []airtable.Record {
	if e.converter == nil {
		return records
	}

	converted := make([]airtable.Record, len(records))
	for i, record := range records {
		fields := make(map[string]any, len(record.Fields))
		for key, value := range record.Fields {
			fields[key] = e.convertValue(value)
		}
		converted[i] = airtable.Record{ID: record.ID, Fields: fields, CreatedTime: record.CreatedTime}
	}
	return converted
}

func (e *Exporter) convertValue(value any) any {
	switch v := value.(type) {
	case string:
		// Only convert non-empty strings
		if strings.TrimSpace(v) == "" {
			return v
		}
		return e.converter(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = e.convertValue(item)
		}
		return out
	default:
		return value
	}
}

// FieldsFromRecords returns the sorted union of field names
func FieldsFromRecords(records []airtable.Record) []string {
	seen := make(map[string]bool)
	var names []string
	for _, r := range records {
		for k := range r.Fields {
			if !seen[k] {
				seen[k] = true
				names = append(names, k)
			}
		}
	}
	sort.Strings(names)
	return names
}

// formatCell renders one field value for CSV.
// Lists and nested objects are written as JSON.
func formatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case []any:
		if allStrings(val) {
			parts := make([]string, len(val))
			for i, item := range val {
				parts[i] = item.(string)
			}
			return strings.Join(parts, ", ")
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func allStrings(list []any) bool {
	for _, item := range list {
		if _, ok := item.(string); !ok {
			return false
		}
	}
	return true
}

// makeArraysInline converts multi-line scalar arrays to single-line format.
// Arrays already on one line (which can only occur inside strings) are left alone.
func makeArraysInline(jsonStr string) string {
	return scalarArrayRegex.ReplaceAllStringFunc(jsonStr, func(match string) string {
		if !strings.Contains(match, "\n") {
			return match
		}
		values := scalarTokenRegex.FindAllString(match, -1)
		return "[" + strings.Join(values, ", ") + "]"
	})
}
