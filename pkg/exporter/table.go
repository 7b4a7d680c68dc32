package exporter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/atomicdeploy/airexport/pkg/airtable"
)

var unsafeFileChars = regexp.MustCompile(`[^\p{L}\p{N}._-]+`)

// Result describes one written export file
type Result struct {
	Table   string
	Path    string
	Records int
	HasMore bool // the table holds more rows than the single fetched page
}

// ExportTable writes the first page of t to dir/<table>.<format>.
// CSV columns follow the table's metadata field order.
func (e *Exporter) ExportTable(ctx context.Context, t *airtable.Table, format ExportFormat, dir string) (Result, error) {
	return e.exportTo(ctx, t, format, filepath.Join(dir, FileName(t.Name(), format)))
}

func (e *Exporter) exportTo(ctx context.Context, t *airtable.Table, format ExportFormat, outputFile string) (Result, error) {
	page, err := t.ListRecordsPage(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read records of %s: %w", t.Name(), err)
	}

	switch format {
	case FormatCSV:
		fields, err := t.FieldNames(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("failed to get fields of %s: %w", t.Name(), err)
		}
		if err := e.ExportToCSV(page.Records, fields, outputFile); err != nil {
			return Result{}, err
		}
	default:
		if err := e.ExportToJSON(page.Records, outputFile); err != nil {
			return Result{}, err
		}
	}

	return Result{Table: t.Name(), Path: outputFile, Records: len(page.Records), HasMore: page.HasMore()}, nil
}

// ExportAll exports every named table concurrently, at most limit at a time.
// Each table goes through its own handle so no shared selection is touched.
func (e *Exporter) ExportAll(ctx context.Context, c *airtable.Client, tables []string, format ExportFormat, dir string, limit int) ([]Result, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	names := uniqueFileNames(tables, format)
	results := make([]Result, len(tables))
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		eg.SetLimit(limit)
	}
	for i, name := range tables {
		i, name := i, name
		eg.Go(func() error {
			res, err := e.exportTo(egCtx, c.Table(name), format, filepath.Join(dir, names[i]))
			if err != nil {
				return err
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// FileName turns a table name into a safe file name
func FileName(table string, format ExportFormat) string {
	base := strings.Trim(unsafeFileChars.ReplaceAllString(table, "_"), "._-")
	if base == "" {
		base = "table"
	}
	return base + format.Extension()
}

// uniqueFileNames maps each table to its own file. Names that clean up to the
// same file (compared case-insensitively) get a numeric suffix in table order.
func uniqueFileNames(tables []string, format ExportFormat) []string {
	ext := format.Extension()
	taken := make(map[string]bool, len(tables))
	names := make([]string, len(tables))
	for i, table := range tables {
		base := strings.TrimSuffix(FileName(table, format), ext)
		name := base + ext
		for n := 2; taken[strings.ToLower(name)]; n++ {
			name = fmt.Sprintf("%s_%d%s", base, n, ext)
		}
		taken[strings.ToLower(name)] = true
		names[i] = name
	}
	return names
}
