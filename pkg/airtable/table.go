package airtable

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Table is an immutable handle scoped to one table of the base
type Table struct {
	client *Client
	name   string
}

// Name returns the table name the handle is bound to
func (t *Table) Name() string {
	return t.name
}

// writeRequest is the body of create and update calls
type writeRequest struct {
	Fields map[string]any `json:"fields"`
}

func (t *Table) tableURL() string {
	return fmt.Sprintf("%s/%s/%s", t.client.baseURL, pathEscape(t.client.baseID), pathEscape(t.name))
}

func (t *Table) recordURL(id string) string {
	return t.tableURL() + "/" + pathEscape(id)
}

func (t *Table) check() error {
	if t.name == "" {
		return ErrNoTableSelected
	}
	return nil
}

func (t *Table) logError(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("table", t.name), zap.Error(err))
	t.client.logger.Error(msg, fields...)
}

// selectPage runs one list query and keeps only the first page
func (t *Table) selectPage(ctx context.Context, op string, opts selectOptions) (RecordPage, error) {
	if err := t.check(); err != nil {
		return RecordPage{}, err
	}

	u := t.tableURL()
	if q := opts.values().Encode(); q != "" {
		u += "?" + q
	}

	var page RecordPage
	if err := t.client.doJSON(ctx, op, "GET", u, nil, &page); err != nil {
		return RecordPage{}, err
	}
	page.Records = recordsData(page.Records)
	if page.HasMore() {
		t.client.logger.Debug("Returning first page only",
			zap.String("table", t.name),
			zap.Int("records", len(page.Records)))
	}
	return page, nil
}

// ListRecords returns the first page of the table
func (t *Table) ListRecords(ctx context.Context) ([]Record, error) {
	page, err := t.ListRecordsPage(ctx)
	if err != nil {
		return nil, err
	}
	return page.Records, nil
}

// ListRecordsPage returns the first page along with the remote cursor
func (t *Table) ListRecordsPage(ctx context.Context) (RecordPage, error) {
	page, err := t.selectPage(ctx, "list records", selectOptions{})
	if err != nil {
		t.logError("Error listing records", err)
		return RecordPage{}, err
	}
	return page, nil
}

// FilterRecords returns the first page of rows matching formula.
// The formula is sent as-is and evaluated by the remote service.
func (t *Table) FilterRecords(ctx context.Context, formula string) ([]Record, error) {
	page, err := t.selectPage(ctx, "filter records", selectOptions{FilterByFormula: formula})
	if err != nil {
		t.logError("Error filtering records", err, zap.String("formula", formula))
		return nil, err
	}
	return page.Records, nil
}

// SortRecordList returns the first page ordered by field
func (t *Table) SortRecordList(ctx context.Context, field string, direction SortDirection) ([]Record, error) {
	if !direction.Valid() {
		err := fmt.Errorf("%w: got %q", ErrInvalidSortDirection, direction)
		t.logError("Error sorting records", err, zap.String("field", field))
		return nil, err
	}
	page, err := t.selectPage(ctx, "sort records", selectOptions{
		Sort: []SortSpec{{Field: field, Direction: direction}},
	})
	if err != nil {
		t.logError("Error sorting records", err, zap.String("field", field))
		return nil, err
	}
	return page.Records, nil
}

// GetRecordByID fetches one record
func (t *Table) GetRecordByID(ctx context.Context, id string) (Record, error) {
	rec, err := t.getRecord(ctx, id)
	if err != nil {
		t.logError("Error fetching record", err, zap.String("id", id))
		return Record{}, err
	}
	return rec, nil
}

func (t *Table) getRecord(ctx context.Context, id string) (Record, error) {
	if err := t.check(); err != nil {
		return Record{}, err
	}
	if strings.TrimSpace(id) == "" {
		return Record{}, &RemoteError{Op: "get record", Err: ErrRecordNotFound, Message: "empty record ID"}
	}

	var rec Record
	if err := t.client.doJSON(ctx, "get record", "GET", t.recordURL(id), nil, &rec); err != nil {
		return Record{}, markRecordNotFound(err)
	}
	return recordData(rec), nil
}

// CreateRecord creates a record; the remote service assigns its ID
func (t *Table) CreateRecord(ctx context.Context, fields map[string]any) (Record, error) {
	if err := t.check(); err != nil {
		t.logError("Error creating record", err)
		return Record{}, err
	}
	if fields == nil {
		fields = map[string]any{}
	}

	var rec Record
	if err := t.client.doJSON(ctx, "create record", "POST", t.tableURL(), writeRequest{Fields: fields}, &rec); err != nil {
		t.logError("Error creating record", err)
		return Record{}, err
	}
	return recordData(rec), nil
}

// UpdateRecord changes only the named fields; other fields keep their values
func (t *Table) UpdateRecord(ctx context.Context, id string, fields map[string]any) (Record, error) {
	if err := t.check(); err != nil {
		t.logError("Error updating record", err, zap.String("id", id))
		return Record{}, err
	}
	if strings.TrimSpace(id) == "" {
		err := &RemoteError{Op: "update record", Err: ErrRecordNotFound, Message: "empty record ID"}
		t.logError("Error updating record", err, zap.String("id", id))
		return Record{}, err
	}
	if fields == nil {
		fields = map[string]any{}
	}

	var rec Record
	if err := t.client.doJSON(ctx, "update record", "PATCH", t.recordURL(id), writeRequest{Fields: fields}, &rec); err != nil {
		err = markRecordNotFound(err)
		t.logError("Error updating record", err, zap.String("id", id))
		return Record{}, err
	}
	return recordData(rec), nil
}

// deleteResponse is the body of a DELETE call
type deleteResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// DeleteRecord deletes a record and returns it as it was just before deletion.
// The remote delete answers with the ID only, so the record is read first.
func (t *Table) DeleteRecord(ctx context.Context, id string) (Record, error) {
	before, err := t.getRecord(ctx, id)
	if err != nil {
		t.logError("Error deleting record", err, zap.String("id", id))
		return Record{}, err
	}

	var resp deleteResponse
	if err := t.client.doJSON(ctx, "delete record", "DELETE", t.recordURL(id), nil, &resp); err != nil {
		err = markRecordNotFound(err)
		t.logError("Error deleting record", err, zap.String("id", id))
		return Record{}, err
	}
	if !resp.Deleted {
		err := &RemoteError{Op: "delete record", Message: fmt.Sprintf("record %s was not deleted", id)}
		t.logError("Error deleting record", err, zap.String("id", id))
		return Record{}, err
	}
	return before, nil
}
