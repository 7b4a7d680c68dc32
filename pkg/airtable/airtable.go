// Package airtable is a small client for an Airtable-style base: record CRUD,
// formula filters, sorting and schema lookups through the metadata endpoint.
//
// A Client carries the credentials and an optional selected table. Table-scoped
// calls on the Client fail with ErrNoTableSelected until SelectTable succeeds.
// Client.Table returns a *Table handle bound to one table name, which is safe to
// share between goroutines regardless of later selections.
package airtable

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.airtable.com/v0"
	DefaultMetaURL = "https://api.airtable.com/v0/meta"

	defaultTimeout = 30 * time.Second
)

// Config holds everything needed to build a Client.
// Environment lookup is the caller's job (see pkg/config).
type Config struct {
	APIKey string
	BaseID string

	// Table is selected at construction without a metadata check.
	Table string

	BaseURL    string
	MetaURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
	UserAgent  string

	// CacheMetadata keeps the first fetched schema until Refresh is called.
	CacheMetadata bool
}

// Client mediates access to one remote base
type Client struct {
	apiKey     string
	baseID     string
	baseURL    string
	metaURL    string
	userAgent  string
	httpClient *http.Client
	logger     *zap.Logger

	mu    sync.RWMutex
	table string // selected table, "" when none

	cacheMetadata bool
	metaMu        sync.RWMutex
	metaCache     []TableMetadata
}

// New creates a client. It validates the credentials but never contacts the remote service.
func New(cfg Config) (*Client, error) {
	var missing []string
	if strings.TrimSpace(cfg.APIKey) == "" {
		missing = append(missing, "API key")
	}
	if strings.TrimSpace(cfg.BaseID) == "" {
		missing = append(missing, "base ID")
	}
	if len(missing) > 0 {
		return nil, &ConfigurationError{Missing: missing}
	}

	c := &Client{
		apiKey:        cfg.APIKey,
		baseID:        cfg.BaseID,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		metaURL:       strings.TrimRight(cfg.MetaURL, "/"),
		userAgent:     cfg.UserAgent,
		httpClient:    cfg.HTTPClient,
		logger:        cfg.Logger,
		table:         strings.TrimSpace(cfg.Table),
		cacheMetadata: cfg.CacheMetadata,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.metaURL == "" {
		c.metaURL = DefaultMetaURL
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("base", c.baseID))

	return c, nil
}

// BaseID returns the configured base identifier
func (c *Client) BaseID() string {
	return c.baseID
}

// SelectedTable returns the current selection, "" when none
func (c *Client) SelectedTable() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.table
}

// SelectTable confirms name against fresh metadata and then makes it the
// current table. On any failure the previous selection is kept.
func (c *Client) SelectTable(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		c.logger.Error("Error selecting table", zap.Error(ErrEmptyTableName))
		return ErrEmptyTableName
	}

	tables, err := c.metadata(ctx)
	if err != nil {
		c.logger.Error("Error selecting table", zap.String("table", name), zap.Error(err))
		return err
	}

	if _, ok := findTable(tables, name); !ok {
		err := &TableNotFoundError{Name: name, Available: tableNames(tables)}
		c.logger.Error("Error selecting table", zap.String("table", name), zap.Error(err))
		return err
	}

	c.mu.Lock()
	c.table = name
	c.mu.Unlock()

	c.logger.Debug("Selected table", zap.String("table", name))
	return nil
}

// Table returns a handle bound to name. No remote call is made; an unknown
// name surfaces on the first request made through the handle.
func (c *Client) Table(name string) *Table {
	return &Table{client: c, name: strings.TrimSpace(name)}
}

// selected snapshots the current selection into a handle
func (c *Client) selected() (*Table, error) {
	c.mu.RLock()
	name := c.table
	c.mu.RUnlock()

	if name == "" {
		return nil, ErrNoTableSelected
	}
	return &Table{client: c, name: name}, nil
}

// SearchArray is the method form of the package-level SearchArray
func (c *Client) SearchArray(search, arrayField string) string {
	return SearchArray(search, arrayField)
}

// ListRecords returns the first page of the selected table
func (c *Client) ListRecords(ctx context.Context) ([]Record, error) {
	t, err := c.selected()
	if err != nil {
		c.logger.Error("Error listing records", zap.Error(err))
		return nil, err
	}
	return t.ListRecords(ctx)
}

// ListRecordsPage is ListRecords with the remote page cursor exposed
func (c *Client) ListRecordsPage(ctx context.Context) (RecordPage, error) {
	t, err := c.selected()
	if err != nil {
		c.logger.Error("Error listing records", zap.Error(err))
		return RecordPage{}, err
	}
	return t.ListRecordsPage(ctx)
}

// GetRecordByID fetches one record of the selected table
func (c *Client) GetRecordByID(ctx context.Context, id string) (Record, error) {
	t, err := c.selected()
	if err != nil {
		c.logger.Error("Error fetching record", zap.String("id", id), zap.Error(err))
		return Record{}, err
	}
	return t.GetRecordByID(ctx, id)
}

// CreateRecord creates a record in the selected table
func (c *Client) CreateRecord(ctx context.Context, fields map[string]any) (Record, error) {
	t, err := c.selected()
	if err != nil {
		c.logger.Error("Error creating record", zap.Error(err))
		return Record{}, err
	}
	return t.CreateRecord(ctx, fields)
}

// UpdateRecord changes the named fields of a record in the selected table
func (c *Client) UpdateRecord(ctx context.Context, id string, fields map[string]any) (Record, error) {
	t, err := c.selected()
	if err != nil {
		c.logger.Error("Error updating record", zap.String("id", id), zap.Error(err))
		return Record{}, err
	}
	return t.UpdateRecord(ctx, id, fields)
}

// DeleteRecord deletes a record from the selected table
func (c *Client) DeleteRecord(ctx context.Context, id string) (Record, error) {
	t, err := c.selected()
	if err != nil {
		c.logger.Error("Error deleting record", zap.String("id", id), zap.Error(err))
		return Record{}, err
	}
	return t.DeleteRecord(ctx, id)
}

// FilterRecords returns the first page of rows matching formula
func (c *Client) FilterRecords(ctx context.Context, formula string) ([]Record, error) {
	t, err := c.selected()
	if err != nil {
		c.logger.Error("Error filtering records", zap.Error(err))
		return nil, err
	}
	return t.FilterRecords(ctx, formula)
}

// SortRecordList returns the first page of rows ordered by field
func (c *Client) SortRecordList(ctx context.Context, field string, direction SortDirection) ([]Record, error) {
	t, err := c.selected()
	if err != nil {
		c.logger.Error("Error sorting records", zap.Error(err))
		return nil, err
	}
	return t.SortRecordList(ctx, field, direction)
}
