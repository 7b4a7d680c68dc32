// Package airtabletest provides an in-memory fake of the remote base API for tests.
package airtabletest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/atomicdeploy/airexport/pkg/airtable"
)

// Server is a fake base served over HTTP
type Server struct {
	*httptest.Server

	APIKey string
	BaseID string

	mu       sync.Mutex
	pageSize int
	tables   []*fakeTable
	requests atomic.Int64
}

type fakeTable struct {
	meta    airtable.TableMetadata
	records []airtable.Record
}

var (
	eqFormula   = regexp.MustCompile(`^\{([^}]+)\}\s*=\s*'([^']*)'$`)
	findFormula = regexp.MustCompile(`^FIND\('([^']*)',\s*ARRAYJOIN\(\{?([^})]+)\}?\)\)$`)
)

// NewServer starts a fake base accepting apiKey as bearer token
func NewServer(apiKey, baseID string) *Server {
	s := &Server{APIKey: apiKey, BaseID: baseID}

	r := mux.NewRouter()
	r.Use(s.countRequests, s.authenticate)
	r.HandleFunc("/v0/meta/bases/{base}/tables", s.handleMetadata).Methods("GET")
	r.HandleFunc("/v0/{base}/{table}", s.handleList).Methods("GET")
	r.HandleFunc("/v0/{base}/{table}", s.handleCreate).Methods("POST")
	r.HandleFunc("/v0/{base}/{table}/{id}", s.handleGet).Methods("GET")
	r.HandleFunc("/v0/{base}/{table}/{id}", s.handleUpdate).Methods("PATCH")
	r.HandleFunc("/v0/{base}/{table}/{id}", s.handleDelete).Methods("DELETE")

	s.Server = httptest.NewServer(r)
	return s
}

// Config returns a client config pointed at the fake
func (s *Server) Config() airtable.Config {
	return airtable.Config{
		APIKey:  s.APIKey,
		BaseID:  s.BaseID,
		BaseURL: s.URL + "/v0",
		MetaURL: s.URL + "/v0/meta",
	}
}

// SetPageSize caps list responses; 0 means 100 like the real service
func (s *Server) SetPageSize(n int) {
	s.mu.Lock()
	s.pageSize = n
	s.mu.Unlock()
}

// Requests returns the number of HTTP requests served so far
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// AddTable registers a table with the given field names
func (s *Server) AddTable(name string, fields ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := airtable.TableMetadata{ID: "tbl" + shortID(), Name: name}
	for _, f := range fields {
		meta.Fields = append(meta.Fields, airtable.FieldMetadata{ID: "fld" + shortID(), Name: f, Type: "singleLineText"})
	}
	if len(meta.Fields) > 0 {
		meta.PrimaryFieldID = meta.Fields[0].ID
	}
	s.tables = append(s.tables, &fakeTable{meta: meta})
}

// RemoveTable drops a table, simulating a deletion on the remote side
func (s *Server) RemoveTable(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.tables {
		if t.meta.Name == name {
			s.tables = append(s.tables[:i], s.tables[i+1:]...)
			return
		}
	}
}

// Seed inserts a record with a fixed ID
func (s *Server) Seed(table, id string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.findLocked(table)
	if t == nil {
		panic(fmt.Sprintf("airtabletest: unknown table %q", table))
	}
	t.records = append(t.records, airtable.Record{ID: id, Fields: copyFields(fields), CreatedTime: now()})
}

// Records returns a copy of the rows of table
func (s *Server) Records(table string) []airtable.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.findLocked(table)
	if t == nil {
		return nil
	}
	out := make([]airtable.Record, len(t.records))
	for i, r := range t.records {
		out[i] = airtable.Record{ID: r.ID, Fields: copyFields(r.Fields), CreatedTime: r.CreatedTime}
	}
	return out
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.APIKey {
			writeError(w, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "Authentication required")
			return
		}
		if base := mux.Vars(r)["base"]; base != s.BaseID {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "NOT_FOUND"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	tables := make([]airtable.TableMetadata, len(s.tables))
	for i, t := range s.tables {
		tables[i] = t.meta
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tableOr404(w, r)
	if t == nil {
		return
	}

	q := r.URL.Query()
	rows := make([]airtable.Record, 0, len(t.records))
	formula := q.Get("filterByFormula")
	if _, err := matches(formula, airtable.Record{}); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_FILTER_BY_FORMULA", err.Error())
		return
	}
	for _, rec := range t.records {
		if ok, _ := matches(formula, rec); ok {
			rows = append(rows, rec)
		}
	}

	if field := q.Get("sort[0][field]"); field != "" {
		desc := q.Get("sort[0][direction]") == "desc"
		sort.SliceStable(rows, func(i, j int) bool {
			c := compareValues(rows[i].Fields[field], rows[j].Fields[field])
			if desc {
				return c > 0
			}
			return c < 0
		})
	}

	pageSize := s.pageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	resp := map[string]any{}
	if len(rows) > pageSize {
		rows = rows[:pageSize]
		resp["offset"] = "itr" + shortID() + "/" + rows[len(rows)-1].ID
	}
	resp["records"] = rows
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tableOr404(w, r)
	if t == nil {
		return
	}
	i := t.index(mux.Vars(r)["id"])
	if i < 0 {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "NOT_FOUND"})
		return
	}
	writeJSON(w, http.StatusOK, t.records[i])
}

type writeBody struct {
	Fields map[string]any `json:"fields"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body writeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_REQUEST_BODY", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tableOr404(w, r)
	if t == nil {
		return
	}
	if name, ok := t.unknownField(body.Fields); !ok {
		writeError(w, http.StatusUnprocessableEntity, "UNKNOWN_FIELD_NAME", fmt.Sprintf("Unknown field name: %q", name))
		return
	}

	rec := airtable.Record{ID: "rec" + shortID(), Fields: copyFields(body.Fields), CreatedTime: now()}
	t.records = append(t.records, rec)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var body writeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_REQUEST_BODY", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tableOr404(w, r)
	if t == nil {
		return
	}
	i := t.index(mux.Vars(r)["id"])
	if i < 0 {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "NOT_FOUND"})
		return
	}
	if name, ok := t.unknownField(body.Fields); !ok {
		writeError(w, http.StatusUnprocessableEntity, "UNKNOWN_FIELD_NAME", fmt.Sprintf("Unknown field name: %q", name))
		return
	}
	for k, v := range body.Fields {
		t.records[i].Fields[k] = v
	}
	writeJSON(w, http.StatusOK, t.records[i])
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tableOr404(w, r)
	if t == nil {
		return
	}
	id := mux.Vars(r)["id"]
	i := t.index(id)
	if i < 0 {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "NOT_FOUND"})
		return
	}
	t.records = append(t.records[:i], t.records[i+1:]...)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func (s *Server) findLocked(nameOrID string) *fakeTable {
	for _, t := range s.tables {
		if t.meta.Name == nameOrID || t.meta.ID == nameOrID {
			return t
		}
	}
	return nil
}

func (s *Server) tableOr404(w http.ResponseWriter, r *http.Request) *fakeTable {
	name := mux.Vars(r)["table"]
	t := s.findLocked(name)
	if t == nil {
		writeError(w, http.StatusNotFound, "TABLE_NOT_FOUND", fmt.Sprintf("Could not find table %s in application %s", name, s.BaseID))
	}
	return t
}

func (t *fakeTable) index(id string) int {
	for i, r := range t.records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// unknownField reports the first field missing from the schema; tables
// registered without fields accept anything
func (t *fakeTable) unknownField(fields map[string]any) (string, bool) {
	if len(t.meta.Fields) == 0 {
		return "", true
	}
	known := make(map[string]bool, len(t.meta.Fields))
	for _, f := range t.meta.Fields {
		known[f.Name] = true
	}
	for k := range fields {
		if !known[k] {
			return k, false
		}
	}
	return "", true
}

// matches evaluates the two formula shapes the fake understands
func matches(formula string, rec airtable.Record) (bool, error) {
	formula = strings.TrimSpace(formula)
	if formula == "" {
		return true, nil
	}
	if m := eqFormula.FindStringSubmatch(formula); m != nil {
		return fmt.Sprintf("%v", rec.Fields[m[1]]) == m[2], nil
	}
	if m := findFormula.FindStringSubmatch(formula); m != nil {
		list, _ := rec.Fields[strings.TrimSpace(m[2])].([]any)
		parts := make([]string, len(list))
		for i, v := range list {
			parts[i] = fmt.Sprintf("%v", v)
		}
		return strings.Contains(strings.Join(parts, ","), m[1]), nil
	}
	return false, fmt.Errorf("The formula for filtering records is invalid: %s", formula)
}

func compareValues(a, b any) int {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:14]
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func writeError(w http.ResponseWriter, status int, typ, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"type": typ, "message": msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
