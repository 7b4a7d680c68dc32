package airtable

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// FieldMetadata describes one field of a table
type FieldMetadata struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableMetadata describes one table of the base
type TableMetadata struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	PrimaryFieldID string          `json:"primaryFieldId,omitempty"`
	Fields         []FieldMetadata `json:"fields"`
}

// FieldNames returns the field names in metadata order
func (t TableMetadata) FieldNames() []string {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.Name
	}
	return names
}

// tablesResponse is the body of GET /meta/bases/{baseID}/tables
type tablesResponse struct {
	Tables []TableMetadata `json:"tables"`
}

// findTable looks a table up by name first, then by ID
func findTable(tables []TableMetadata, nameOrID string) (TableMetadata, bool) {
	for _, t := range tables {
		if t.Name == nameOrID {
			return t, true
		}
	}
	for _, t := range tables {
		if t.ID != "" && t.ID == nameOrID {
			return t, true
		}
	}
	return TableMetadata{}, false
}

func tableNames(tables []TableMetadata) []string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	return names
}

// metadata returns the base schema. Every call fetches afresh unless the
// client was built with CacheMetadata, in which case only Refresh re-fetches.
func (c *Client) metadata(ctx context.Context) ([]TableMetadata, error) {
	if c.cacheMetadata {
		c.metaMu.RLock()
		cached := c.metaCache
		c.metaMu.RUnlock()
		if cached != nil {
			return cached, nil
		}
		return c.refreshMetadata(ctx)
	}
	return c.fetchMetadata(ctx)
}

// fetchMetadata is the single metadata GET shared by every introspection call
func (c *Client) fetchMetadata(ctx context.Context) ([]TableMetadata, error) {
	u := fmt.Sprintf("%s/bases/%s/tables", c.metaURL, pathEscape(c.baseID))

	var resp tablesResponse
	if err := c.doJSON(ctx, "fetch metadata", "GET", u, nil, &resp); err != nil {
		return nil, err
	}
	c.logger.Debug("Fetched base metadata",
		zap.String("base", c.baseID),
		zap.Int("tables", len(resp.Tables)))
	return resp.Tables, nil
}

func (c *Client) refreshMetadata(ctx context.Context) ([]TableMetadata, error) {
	tables, err := c.fetchMetadata(ctx)
	if err != nil {
		return nil, err
	}
	if c.cacheMetadata {
		c.metaMu.Lock()
		c.metaCache = tables
		c.metaMu.Unlock()
	}
	return tables, nil
}

// Refresh drops the metadata cache and fetches the schema again.
// Without CacheMetadata it only verifies that metadata can be fetched.
func (c *Client) Refresh(ctx context.Context) error {
	if _, err := c.refreshMetadata(ctx); err != nil {
		c.logger.Error("Error refreshing metadata", zap.Error(err))
		return err
	}
	return nil
}

// GetFullMetadata returns every table of the base with its fields
func (c *Client) GetFullMetadata(ctx context.Context) ([]TableMetadata, error) {
	tables, err := c.metadata(ctx)
	if err != nil {
		c.logger.Error("Error fetching base metadata", zap.String("base", c.baseID), zap.Error(err))
		return nil, err
	}
	return tables, nil
}

// ListTables returns the table names of the base in metadata order
func (c *Client) ListTables(ctx context.Context) ([]string, error) {
	tables, err := c.metadata(ctx)
	if err != nil {
		c.logger.Error("Error listing tables", zap.String("base", c.baseID), zap.Error(err))
		return nil, err
	}
	return tableNames(tables), nil
}

// GetFieldNames returns the field names of the selected table
func (c *Client) GetFieldNames(ctx context.Context) ([]string, error) {
	t, err := c.selected()
	if err != nil {
		c.logger.Error("Error getting field names", zap.Error(err))
		return nil, err
	}
	return t.FieldNames(ctx)
}

// FieldNames returns the field names of this table from fresh metadata
func (t *Table) FieldNames(ctx context.Context) ([]string, error) {
	meta, err := t.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	return meta.FieldNames(), nil
}

// Metadata returns this table's schema from fresh metadata
func (t *Table) Metadata(ctx context.Context) (TableMetadata, error) {
	tables, err := t.client.metadata(ctx)
	if err != nil {
		t.client.logger.Error("Error fetching table metadata", zap.String("table", t.name), zap.Error(err))
		return TableMetadata{}, err
	}
	meta, ok := findTable(tables, t.name)
	if !ok {
		err := &RemoteError{Op: "fetch table metadata", Message: fmt.Sprintf("table %q", t.name), Err: ErrTableVanished}
		t.client.logger.Error("Error fetching table metadata", zap.String("table", t.name), zap.Error(err))
		return TableMetadata{}, err
	}
	return meta, nil
}
