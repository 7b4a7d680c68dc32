package airtable_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/atomicdeploy/airexport/pkg/airtable"
	"github.com/atomicdeploy/airexport/pkg/airtable/airtabletest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

// newFake starts a fake base with a "cms" table and a client without selection
func newFake(t *testing.T) (*airtabletest.Server, *airtable.Client) {
	t.Helper()

	srv := airtabletest.NewServer("key123", "appBase")
	t.Cleanup(srv.Close)
	srv.AddTable("cms", "name", "tags", "rank")
	srv.AddTable("clients", "name")

	cfg := srv.Config()
	cfg.HTTPClient = srv.Client()
	c, err := airtable.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { cfg.HTTPClient.CloseIdleConnections() })
	return srv, c
}

func TestNewRequiresCredentials(t *testing.T) {
	tests := []struct {
		name    string
		cfg     airtable.Config
		missing []string
	}{
		{"both missing", airtable.Config{}, []string{"API key", "base ID"}},
		{"no key", airtable.Config{BaseID: "app1"}, []string{"API key"}},
		{"no base", airtable.Config{APIKey: "k"}, []string{"base ID"}},
		{"blank key", airtable.Config{APIKey: "  ", BaseID: "app1"}, []string{"API key"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := airtable.New(tt.cfg)
			assert.Nil(t, c)

			var cfgErr *airtable.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.missing, cfgErr.Missing)
		})
	}
}

func TestNewDoesNotContactRemote(t *testing.T) {
	srv := airtabletest.NewServer("key123", "appBase")
	defer srv.Close()

	cfg := srv.Config()
	cfg.Table = "cms"
	c, err := airtable.New(cfg)
	require.NoError(t, err)

	assert.Equal(t, "cms", c.SelectedTable())
	assert.Equal(t, "appBase", c.BaseID())
	assert.Zero(t, srv.Requests())
}

func TestTableScopedCallsRequireSelection(t *testing.T) {
	srv, c := newFake(t)
	ctx := context.Background()

	calls := map[string]func() error{
		"ListRecords":     func() error { _, err := c.ListRecords(ctx); return err },
		"ListRecordsPage": func() error { _, err := c.ListRecordsPage(ctx); return err },
		"GetRecordByID":   func() error { _, err := c.GetRecordByID(ctx, "rec1"); return err },
		"CreateRecord":    func() error { _, err := c.CreateRecord(ctx, map[string]any{"name": "x"}); return err },
		"UpdateRecord":    func() error { _, err := c.UpdateRecord(ctx, "rec1", map[string]any{"name": "x"}); return err },
		"DeleteRecord":    func() error { _, err := c.DeleteRecord(ctx, "rec1"); return err },
		"FilterRecords":   func() error { _, err := c.FilterRecords(ctx, "{name}='A'"); return err },
		"SortRecordList":  func() error { _, err := c.SortRecordList(ctx, "name", airtable.Ascending); return err },
		"GetFieldNames":   func() error { _, err := c.GetFieldNames(ctx); return err },
	}

	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, call(), airtable.ErrNoTableSelected)
		})
	}
	assert.Zero(t, srv.Requests(), "no request may be issued without a selected table")
}

func TestSelectTable(t *testing.T) {
	_, c := newFake(t)
	ctx := context.Background()

	require.NoError(t, c.SelectTable(ctx, "cms"))
	assert.Equal(t, "cms", c.SelectedTable())

	t.Run("unknown name keeps previous selection", func(t *testing.T) {
		err := c.SelectTable(ctx, "nope")
		var tnf *airtable.TableNotFoundError
		require.ErrorAs(t, err, &tnf)
		assert.Equal(t, "nope", tnf.Name)
		assert.Equal(t, []string{"cms", "clients"}, tnf.Available)
		assert.True(t, airtable.IsNotFound(err))
		assert.Equal(t, "cms", c.SelectedTable())
	})

	t.Run("empty name", func(t *testing.T) {
		assert.ErrorIs(t, c.SelectTable(ctx, " "), airtable.ErrEmptyTableName)
		assert.Equal(t, "cms", c.SelectedTable())
	})

	t.Run("switch", func(t *testing.T) {
		require.NoError(t, c.SelectTable(ctx, "clients"))
		assert.Equal(t, "clients", c.SelectedTable())
	})
}

func TestSelectTableUnknownFromEmptyState(t *testing.T) {
	_, c := newFake(t)

	err := c.SelectTable(context.Background(), "ghost")
	var tnf *airtable.TableNotFoundError
	require.ErrorAs(t, err, &tnf)
	assert.Empty(t, c.SelectedTable())
}

func TestMetadata(t *testing.T) {
	srv, c := newFake(t)
	ctx := context.Background()

	names, err := c.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cms", "clients"}, names)

	meta, err := c.GetFullMetadata(ctx)
	require.NoError(t, err)
	require.Len(t, meta, 2)
	assert.Equal(t, "cms", meta[0].Name)
	assert.Equal(t, []string{"name", "tags", "rank"}, meta[0].FieldNames())
	assert.Equal(t, meta[0].Fields[0].ID, meta[0].PrimaryFieldID)

	require.NoError(t, c.SelectTable(ctx, "cms"))
	fields, err := c.GetFieldNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "tags", "rank"}, fields)

	// no cache: list, full metadata, select and field lookup each fetch once
	assert.EqualValues(t, 4, srv.Requests())
}

func TestGetFieldNamesAfterTableRemoved(t *testing.T) {
	srv, c := newFake(t)
	ctx := context.Background()

	require.NoError(t, c.SelectTable(ctx, "clients"))
	srv.RemoveTable("clients")

	_, err := c.GetFieldNames(ctx)
	var rerr *airtable.RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, airtable.ErrTableVanished)
}

func TestMetadataCache(t *testing.T) {
	srv := airtabletest.NewServer("key123", "appBase")
	defer srv.Close()
	srv.AddTable("cms", "name")

	cfg := srv.Config()
	cfg.CacheMetadata = true
	cfg.HTTPClient = srv.Client()
	c, err := airtable.New(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.ListTables(ctx)
	require.NoError(t, err)
	_, err = c.ListTables(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, srv.Requests())

	srv.AddTable("later", "x")
	names, err := c.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cms"}, names, "cache is only invalidated by Refresh")

	require.NoError(t, c.Refresh(ctx))
	names, err = c.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cms", "later"}, names)
}

func TestListRecordsScenario(t *testing.T) {
	srv, _ := newFake(t)
	srv.Seed("cms", "rec1", map[string]any{"name": "A"})
	srv.Seed("cms", "rec2", map[string]any{"name": "B"})

	cfg := srv.Config()
	cfg.Table = "cms"
	cfg.HTTPClient = srv.Client()
	c, err := airtable.New(cfg)
	require.NoError(t, err)

	records, err := c.ListRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "rec1", records[0].ID)
	assert.Equal(t, map[string]any{"name": "A"}, records[0].Fields)
	assert.Equal(t, "rec2", records[1].ID)
	assert.Equal(t, map[string]any{"name": "B"}, records[1].Fields)
}

func TestListRecordsFirstPageOnly(t *testing.T) {
	srv, c := newFake(t)
	srv.SetPageSize(2)
	for _, id := range []string{"rec1", "rec2", "rec3"} {
		srv.Seed("cms", id, map[string]any{"name": id})
	}
	ctx := context.Background()
	require.NoError(t, c.SelectTable(ctx, "cms"))

	page, err := c.ListRecordsPage(ctx)
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
	assert.True(t, page.HasMore())

	records, err := c.ListRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestRecordLifecycle(t *testing.T) {
	_, c := newFake(t)
	ctx := context.Background()
	require.NoError(t, c.SelectTable(ctx, "cms"))

	input := map[string]any{"name": "Acme", "rank": float64(3), "tags": []any{"a", "b"}}
	created, err := c.CreateRecord(ctx, input)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := c.GetRecordByID(ctx, created.ID)
	require.NoError(t, err)
	for k, v := range input {
		assert.Equal(t, v, got.Fields[k], "field %s must survive the round trip", k)
	}

	updated, err := c.UpdateRecord(ctx, created.ID, map[string]any{"rank": float64(7)})
	require.NoError(t, err)
	assert.Equal(t, float64(7), updated.Fields["rank"])
	assert.Equal(t, "Acme", updated.Fields["name"])
	assert.Equal(t, []any{"a", "b"}, updated.Fields["tags"])

	deleted, err := c.DeleteRecord(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, deleted.ID)
	assert.Equal(t, float64(7), deleted.Fields["rank"], "delete returns the record as it was")

	_, err = c.GetRecordByID(ctx, created.ID)
	var rerr *airtable.RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 404, rerr.StatusCode)
	assert.ErrorIs(t, err, airtable.ErrRecordNotFound)
}

func TestRemoteErrors(t *testing.T) {
	srv, c := newFake(t)
	ctx := context.Background()
	require.NoError(t, c.SelectTable(ctx, "cms"))

	t.Run("schema violation", func(t *testing.T) {
		_, err := c.CreateRecord(ctx, map[string]any{"bogus": 1})
		var rerr *airtable.RemoteError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, 422, rerr.StatusCode)
		assert.Equal(t, "UNKNOWN_FIELD_NAME", rerr.Type)
		assert.Equal(t, "create record", rerr.Op)
	})

	t.Run("malformed formula", func(t *testing.T) {
		// rejected even when no row would be evaluated
		require.Empty(t, srv.Records("cms"))
		_, err := c.FilterRecords(ctx, "NOT A FORMULA(")
		var rerr *airtable.RemoteError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, 422, rerr.StatusCode)
		assert.Equal(t, "INVALID_FILTER_BY_FORMULA", rerr.Type)

		srv.Seed("cms", "recF", map[string]any{"name": "F"})
		_, err = c.FilterRecords(ctx, "NOT A FORMULA(")
		require.ErrorAs(t, err, &rerr)
	})

	t.Run("update missing record", func(t *testing.T) {
		_, err := c.UpdateRecord(ctx, "recMissing", map[string]any{"name": "x"})
		assert.ErrorIs(t, err, airtable.ErrRecordNotFound)
	})

	t.Run("delete missing record", func(t *testing.T) {
		_, err := c.DeleteRecord(ctx, "recMissing")
		assert.ErrorIs(t, err, airtable.ErrRecordNotFound)
	})

	t.Run("bad credentials", func(t *testing.T) {
		cfg := srv.Config()
		cfg.APIKey = "wrong"
		cfg.Table = "cms"
		cfg.HTTPClient = srv.Client()
		bad, err := airtable.New(cfg)
		require.NoError(t, err)

		_, err = bad.ListRecords(ctx)
		var rerr *airtable.RemoteError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, 401, rerr.StatusCode)
		assert.Equal(t, "AUTHENTICATION_REQUIRED", rerr.Type)
	})

	t.Run("transport failure", func(t *testing.T) {
		cfg := airtable.Config{APIKey: "k", BaseID: "b", Table: "cms", BaseURL: "http://127.0.0.1:1/v0"}
		down, err := airtable.New(cfg)
		require.NoError(t, err)

		_, err = down.ListRecords(ctx)
		var rerr *airtable.RemoteError
		require.ErrorAs(t, err, &rerr)
		assert.Zero(t, rerr.StatusCode)
		assert.NotNil(t, errors.Unwrap(rerr))
	})
}

func TestFilterAndSort(t *testing.T) {
	srv, c := newFake(t)
	srv.Seed("cms", "rec1", map[string]any{"name": "Beta", "rank": 2, "tags": []any{"Acme", "Other"}})
	srv.Seed("cms", "rec2", map[string]any{"name": "Alpha", "rank": 1, "tags": []any{"Other"}})
	srv.Seed("cms", "rec3", map[string]any{"name": "Gamma", "rank": 3, "tags": []any{"Acme"}})
	ctx := context.Background()
	require.NoError(t, c.SelectTable(ctx, "cms"))

	matched, err := c.FilterRecords(ctx, "{name}='Alpha'")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "rec2", matched[0].ID)

	matched, err = c.FilterRecords(ctx, c.SearchArray("Acme", "tags"))
	require.NoError(t, err)
	assert.Equal(t, []string{"rec1", "rec3"}, ids(matched))

	asc, err := c.SortRecordList(ctx, "rank", airtable.Ascending)
	require.NoError(t, err)
	assert.Equal(t, []string{"rec2", "rec1", "rec3"}, ids(asc))

	desc, err := c.SortRecordList(ctx, "name", airtable.Descending)
	require.NoError(t, err)
	assert.Equal(t, []string{"rec3", "rec1", "rec2"}, ids(desc))

	before := srv.Requests()
	_, err = c.SortRecordList(ctx, "name", airtable.SortDirection("sideways"))
	assert.ErrorIs(t, err, airtable.ErrInvalidSortDirection)
	assert.Equal(t, before, srv.Requests())
}

func TestTableHandlesAreIndependent(t *testing.T) {
	srv, c := newFake(t)
	srv.Seed("cms", "rec1", map[string]any{"name": "cms row"})
	srv.Seed("clients", "rec9", map[string]any{"name": "client row"})
	ctx := context.Background()

	cms := c.Table("cms")
	clients := c.Table("clients")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			recs, err := cms.ListRecords(ctx)
			assert.NoError(t, err)
			assert.Equal(t, []string{"rec1"}, ids(recs))
		}()
		go func() {
			defer wg.Done()
			recs, err := clients.ListRecords(ctx)
			assert.NoError(t, err)
			assert.Equal(t, []string{"rec9"}, ids(recs))
		}()
		go func(i int) {
			defer wg.Done()
			name := "cms"
			if i%2 == 0 {
				name = "clients"
			}
			assert.NoError(t, c.SelectTable(ctx, name))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, "cms", cms.Name())
	_, err := c.Table("").ListRecords(ctx)
	assert.ErrorIs(t, err, airtable.ErrNoTableSelected)
}

func TestErrorsAreLogged(t *testing.T) {
	srv := airtabletest.NewServer("key123", "appBase")
	defer srv.Close()
	srv.AddTable("cms", "name")

	core, logs := observer.New(zapcore.DebugLevel)
	cfg := srv.Config()
	cfg.Table = "cms"
	cfg.Logger = zap.New(core)
	cfg.HTTPClient = srv.Client()
	c, err := airtable.New(cfg)
	require.NoError(t, err)

	_, err = c.GetRecordByID(context.Background(), "recNope")
	require.Error(t, err)

	entries := logs.FilterMessage("Error fetching record").All()
	require.Len(t, entries, 1)
	ctxMap := entries[0].ContextMap()
	assert.Equal(t, "recNope", ctxMap["id"])
	assert.Equal(t, "cms", ctxMap["table"])
	assert.Equal(t, "appBase", ctxMap["base"])
}

func TestSearchArray(t *testing.T) {
	assert.Equal(t, "FIND('Acme', ARRAYJOIN(clients))", airtable.SearchArray("Acme", "clients"))

	var c *airtable.Client
	assert.Equal(t, "FIND('x', ARRAYJOIN(y))", c.SearchArray("x", "y"), "works without any client state")
}

func ids(recs []airtable.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
