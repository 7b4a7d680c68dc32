package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atomicdeploy/airexport/pkg/airtable"
	"github.com/atomicdeploy/airexport/pkg/airtable/airtabletest"
)

// newTestServer starts a fake base with a seeded "cms" table and a proxy in front of it
func newTestServer(t *testing.T) (*airtabletest.Server, *Server) {
	t.Helper()

	fake := airtabletest.NewServer("key", "appServer")
	t.Cleanup(fake.Close)
	fake.AddTable("cms", "name", "tags", "rank")
	fake.Seed("cms", "rec1", map[string]any{"name": "Alpha", "tags": []any{"go", "api"}, "rank": 2})
	fake.Seed("cms", "rec2", map[string]any{"name": "Beta", "tags": []any{"web"}, "rank": 1})

	cfg := fake.Config()
	cfg.HTTPClient = fake.Client()
	client, err := airtable.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	srv := NewServer(client, Options{})
	t.Cleanup(func() { srv.Close(context.Background()) })
	return fake, srv
}

func do(t *testing.T, srv *Server, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var response map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return w, response
}

func recordNames(t *testing.T, response map[string]any) []string {
	t.Helper()
	records, ok := response["records"].([]any)
	if !ok {
		t.Fatalf("Expected records array, got %v", response["records"])
	}
	var names []string
	for _, r := range records {
		fields := r.(map[string]any)["fields"].(map[string]any)
		names = append(names, fmt.Sprint(fields["name"]))
	}
	return names
}

func TestServerRoutes(t *testing.T) {
	_, srv := newTestServer(t)

	t.Run("GET /", func(t *testing.T) {
		w, _ := do(t, srv, "GET", "/", "")
		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
			t.Errorf("Expected Content-Type text/html; charset=utf-8, got %s", ct)
		}
	})

	t.Run("GET /api/tables", func(t *testing.T) {
		w, response := do(t, srv, "GET", "/api/tables", "")
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
		if success, ok := response["success"].(bool); !ok || !success {
			t.Error("Expected success=true")
		}
		if count, ok := response["count"].(float64); !ok || count != 1 {
			t.Errorf("Expected count=1, got %v", response["count"])
		}
		if response["base"] != "appServer" {
			t.Errorf("Expected base=appServer, got %v", response["base"])
		}
	})

	t.Run("GET /api/meta", func(t *testing.T) {
		w, response := do(t, srv, "GET", "/api/meta", "")
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
		tables := response["tables"].([]any)
		if len(tables) != 1 || tables[0].(map[string]any)["name"] != "cms" {
			t.Errorf("Unexpected metadata: %v", tables)
		}
	})

	t.Run("GET fields", func(t *testing.T) {
		w, response := do(t, srv, "GET", "/api/tables/cms/fields", "")
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
		if fmt.Sprint(response["fields"]) != "[name tags rank]" {
			t.Errorf("Unexpected fields: %v", response["fields"])
		}
	})

	t.Run("GET fields of missing table", func(t *testing.T) {
		w, response := do(t, srv, "GET", "/api/tables/ghost/fields", "")
		if w.Code != http.StatusNotFound {
			t.Errorf("Expected status 404, got %d", w.Code)
		}
		if success, _ := response["success"].(bool); success {
			t.Error("Expected success=false")
		}
	})

	t.Run("GET records", func(t *testing.T) {
		w, response := do(t, srv, "GET", "/api/tables/cms/records", "")
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
		if count, ok := response["count"].(float64); !ok || count != 2 {
			t.Errorf("Expected count=2, got %v", response["count"])
		}
		if response["has_more"] != false {
			t.Errorf("Expected has_more=false, got %v", response["has_more"])
		}
	})

	t.Run("GET records with filter", func(t *testing.T) {
		w, response := do(t, srv, "GET", "/api/tables/cms/records?filter="+url.QueryEscape("{name}='Beta'"), "")
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
		if names := recordNames(t, response); len(names) != 1 || names[0] != "Beta" {
			t.Errorf("Expected [Beta], got %v", names)
		}
	})

	t.Run("GET records sorted descending", func(t *testing.T) {
		w, response := do(t, srv, "GET", "/api/tables/cms/records?sort=name&direction=desc", "")
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
		if names := recordNames(t, response); strings.Join(names, ",") != "Beta,Alpha" {
			t.Errorf("Expected Beta,Alpha, got %v", names)
		}
	})

	t.Run("GET records with invalid direction", func(t *testing.T) {
		w, _ := do(t, srv, "GET", "/api/tables/cms/records?sort=name&direction=up", "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})

	t.Run("GET records with filter and sort", func(t *testing.T) {
		w, _ := do(t, srv, "GET", "/api/tables/cms/records?sort=name&filter=x", "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})

	t.Run("GET records with bad formula", func(t *testing.T) {
		w, _ := do(t, srv, "GET", "/api/tables/cms/records?filter=nonsense", "")
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("Expected upstream status 422, got %d", w.Code)
		}
	})

	t.Run("GET record", func(t *testing.T) {
		w, response := do(t, srv, "GET", "/api/tables/cms/records/rec1", "")
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
		record := response["record"].(map[string]any)
		if record["id"] != "rec1" {
			t.Errorf("Expected id=rec1, got %v", record["id"])
		}
	})

	t.Run("GET missing record", func(t *testing.T) {
		w, _ := do(t, srv, "GET", "/api/tables/cms/records/recNope", "")
		if w.Code != http.StatusNotFound {
			t.Errorf("Expected status 404, got %d", w.Code)
		}
	})

	t.Run("GET search-array", func(t *testing.T) {
		w, response := do(t, srv, "GET", "/api/search-array?search=Acme&field=clients", "")
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
		if response["formula"] != "FIND('Acme', ARRAYJOIN(clients))" {
			t.Errorf("Unexpected formula: %v", response["formula"])
		}
	})

	t.Run("GET search-array without field", func(t *testing.T) {
		w, _ := do(t, srv, "GET", "/api/search-array?search=Acme", "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})
}

func TestServerMutations(t *testing.T) {
	fake, srv := newTestServer(t)

	w, response := do(t, srv, "POST", "/api/tables/cms/records", `{"fields": {"name": "Gamma"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", w.Code)
	}
	id := response["record"].(map[string]any)["id"].(string)
	if !strings.HasPrefix(id, "rec") {
		t.Errorf("Expected remote record id, got %q", id)
	}

	w, response = do(t, srv, "PATCH", "/api/tables/cms/records/"+id, `{"fields": {"rank": 7}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	fields := response["record"].(map[string]any)["fields"].(map[string]any)
	if fields["name"] != "Gamma" || fields["rank"] != 7.0 {
		t.Errorf("Expected partial update, got %v", fields)
	}

	w, response = do(t, srv, "DELETE", "/api/tables/cms/records/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if response["record"].(map[string]any)["id"] != id {
		t.Errorf("Expected the deleted record back, got %v", response["record"])
	}
	if got := len(fake.Records("cms")); got != 2 {
		t.Errorf("Expected 2 records left, got %d", got)
	}

	t.Run("invalid bodies", func(t *testing.T) {
		for _, body := range []string{`not json`, `{"name": "no fields wrapper"}`} {
			w, _ := do(t, srv, "POST", "/api/tables/cms/records", body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Body %q: expected status 400, got %d", body, w.Code)
			}
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		w, response := do(t, srv, "POST", "/api/tables/cms/records", `{"fields": {"colour": "red"}}`)
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("Expected status 422, got %d", w.Code)
		}
		if msg, _ := response["error"].(string); !strings.Contains(msg, "UNKNOWN_FIELD_NAME") {
			t.Errorf("Expected remote error type in message, got %q", msg)
		}
	})
}

// TestWebSocketUpdates tests WebSocket broadcasting of changes
func TestWebSocketUpdates(t *testing.T) {
	_, srv := newTestServer(t)

	testServer := httptest.NewServer(srv.Handler())
	defer testServer.Close()

	// Connect WebSocket client
	wsURL := "ws" + testServer.URL[4:] + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer ws.Close()

	read := func() map[string]any {
		t.Helper()
		var msg map[string]any
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("Failed to read message: %v", err)
		}
		return msg
	}

	helloMsg := read()
	if helloMsg["type"] != "hello" {
		t.Errorf("Expected type=hello, got %v", helloMsg["type"])
	}
	if id, _ := helloMsg["client_id"].(string); len(id) != 36 {
		t.Errorf("Expected a uuid client id, got %v", helloMsg["client_id"])
	}
	if srv.Clients() != 1 {
		t.Errorf("Expected 1 client, got %d", srv.Clients())
	}

	api := func(method, path, body string) {
		req, _ := http.NewRequest(method, testServer.URL+path, strings.NewReader(body))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s failed: %v", method, path, err)
		}
		resp.Body.Close()
	}

	api("POST", "/api/tables/cms/records", `{"fields": {"name": "Live"}}`)
	addMsg := read()
	if addMsg["type"] != "update" || addMsg["table"] != "cms" || addMsg["source"] != "api" {
		t.Errorf("Unexpected message header: %v", addMsg)
	}
	added, ok := addMsg["added"].([]any)
	if !ok || len(added) != 1 {
		t.Fatalf("Expected 1 added record, got %v", addMsg["added"])
	}
	id := added[0].(map[string]any)["id"].(string)

	api("PATCH", "/api/tables/cms/records/"+id, `{"fields": {"rank": 3}}`)
	modMsg := read()
	if modified, ok := modMsg["modified"].([]any); !ok || len(modified) != 1 {
		t.Errorf("Expected 1 modified record, got %v", modMsg["modified"])
	}

	api("DELETE", "/api/tables/cms/records/"+id, "")
	delMsg := read()
	if deleted, ok := delMsg["deleted"].([]any); !ok || len(deleted) != 1 || deleted[0] != id {
		t.Errorf("Expected deleted=[%s], got %v", id, delMsg["deleted"])
	}

	// failed mutations are not broadcast
	api("DELETE", "/api/tables/cms/records/"+id, "")
	srv.Broadcast(ChangeSet{Table: "cms", Source: "sync", Deleted: []string{"recX"}})
	next := read()
	if next["source"] != "sync" {
		t.Errorf("Expected the sync change set next, got %v", next)
	}
}

func TestBroadcastSkipsEmptyChangeSets(t *testing.T) {
	if !(ChangeSet{Table: "cms"}).Empty() {
		t.Error("Expected change set without changes to be empty")
	}
	if (ChangeSet{Deleted: []string{"rec1"}}).Empty() {
		t.Error("Expected change set with a deletion to be non-empty")
	}
}

func TestCheckOrigin(t *testing.T) {
	srv := &Server{allowedOrigins: []string{"https://app.example.com/"}, logger: zap.NewNop()}

	tests := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "localhost:8080", true},
		{"http://localhost:8080", "localhost:8080", true},
		{"https://app.example.com", "api.example.com", true},
		{"https://evil.example.com", "api.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := srv.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}

	open := &Server{allowedOrigins: []string{"*"}, logger: zap.NewNop()}
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	if !open.checkOrigin(req) {
		t.Error("Expected wildcard to accept any origin")
	}
}

func TestRejectedProxyKeyIsBadGateway(t *testing.T) {
	fake := airtabletest.NewServer("key", "appServer")
	t.Cleanup(fake.Close)
	fake.AddTable("cms", "name")

	cfg := fake.Config()
	cfg.APIKey = "revoked"
	cfg.HTTPClient = fake.Client()
	client, err := airtable.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	srv := NewServer(client, Options{})
	t.Cleanup(func() { srv.Close(context.Background()) })

	w, resp := do(t, srv, "GET", "/api/tables/cms/records", "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected status %d, got %d", http.StatusBadGateway, w.Code)
	}
	if resp["success"] != false {
		t.Errorf("Expected success false, got %v", resp["success"])
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"bad request", badRequest("x"), http.StatusBadRequest},
		{"no table", airtable.ErrNoTableSelected, http.StatusBadRequest},
		{"empty name", airtable.ErrEmptyTableName, http.StatusBadRequest},
		{"direction", fmt.Errorf("parse: %w", airtable.ErrInvalidSortDirection), http.StatusBadRequest},
		{"table not found", &airtable.TableNotFoundError{Name: "x"}, http.StatusNotFound},
		{"record not found", &airtable.RemoteError{Op: "get record", StatusCode: 404, Err: airtable.ErrRecordNotFound}, http.StatusNotFound},
		{"vanished", &airtable.RemoteError{Op: "fetch table metadata", Err: airtable.ErrTableVanished}, http.StatusNotFound},
		{"upstream status", &airtable.RemoteError{Op: "list records", StatusCode: 422}, http.StatusUnprocessableEntity},
		{"upstream unauthorized", &airtable.RemoteError{Op: "list records", StatusCode: 401, Type: "AUTHENTICATION_REQUIRED"}, http.StatusBadGateway},
		{"upstream forbidden", &airtable.RemoteError{Op: "list records", StatusCode: 403}, http.StatusBadGateway},
		{"transport", &airtable.RemoteError{Op: "list records", Err: errors.New("dial tcp: refused")}, http.StatusBadGateway},
		{"unknown", errors.New("boom"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
