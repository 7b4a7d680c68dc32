package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atomicdeploy/airexport/pkg/airtable"
	"github.com/atomicdeploy/airexport/web"
)

// maxBodySize caps request bodies for create and update
const maxBodySize = 1 << 20

// Server represents the HTTP/WebSocket proxy in front of a base
type Server struct {
	router         *mux.Router
	client         *airtable.Client
	logger         *zap.Logger
	hub            *Hub
	upgrader       websocket.Upgrader
	allowedOrigins []string
	httpServer     *http.Server
}

// Options configures a Server
type Options struct {
	// AllowedOrigins lists browser origins accepted on /ws; "*" accepts any.
	// Same-host and origin-less connections are always accepted.
	AllowedOrigins []string
	Logger         *zap.Logger
}

// writeRequest is the body of POST and PATCH record calls
type writeRequest struct {
	Fields map[string]any `json:"fields"`
}

// NewServer creates a new server instance
func NewServer(client *airtable.Client, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		router:         mux.NewRouter(),
		client:         client,
		logger:         logger,
		hub:            newHub(logger, client.BaseID()),
		allowedOrigins: opts.AllowedOrigins,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/", s.handleWelcome).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/tables", s.handleListTables).Methods("GET")
	api.HandleFunc("/meta", s.handleMetadata).Methods("GET")
	api.HandleFunc("/search-array", s.handleSearchArray).Methods("GET")
	api.HandleFunc("/tables/{table}/fields", s.handleFields).Methods("GET")
	api.HandleFunc("/tables/{table}/records", s.handleListRecords).Methods("GET")
	api.HandleFunc("/tables/{table}/records", s.handleCreateRecord).Methods("POST")
	api.HandleFunc("/tables/{table}/records/{id}", s.handleGetRecord).Methods("GET")
	api.HandleFunc("/tables/{table}/records/{id}", s.handleUpdateRecord).Methods("PATCH")
	api.HandleFunc("/tables/{table}/records/{id}", s.handleDeleteRecord).Methods("DELETE")
}

// Handler returns the router, for embedding or tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Clients returns the number of connected WebSocket clients
func (s *Server) Clients() int {
	return s.hub.count()
}

// Broadcast sends a change set to every WebSocket client
func (s *Server) Broadcast(changes ChangeSet) {
	s.hub.broadcast(changes)
}

// handleWelcome serves the welcome page
func (s *Server) handleWelcome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(web.WelcomeHTML)
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	names, err := s.client.ListTables(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"base":    s.client.BaseID(),
		"count":   len(names),
		"tables":  names,
	})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	tables, err := s.client.GetFullMetadata(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"base":    s.client.BaseID(),
		"tables":  tables,
	})
}

func (s *Server) handleFields(w http.ResponseWriter, r *http.Request) {
	table := s.table(r)
	fields, err := table.FieldNames(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"table":   table.Name(),
		"fields":  fields,
	})
}

// handleListRecords serves the first page of a table, filtered or sorted when asked
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	table := s.table(r)
	query := r.URL.Query()
	formula := query.Get("filter")
	sortField := query.Get("sort")

	var (
		page RecordsResponse
		err  error
	)
	switch {
	case formula != "" && sortField != "":
		s.writeError(w, badRequest("use either filter or sort, not both"))
		return
	case formula != "":
		page.Records, err = table.FilterRecords(r.Context(), formula)
	case sortField != "":
		direction := airtable.Ascending
		if d := query.Get("direction"); d != "" {
			if direction, err = airtable.ParseSortDirection(d); err != nil {
				s.writeError(w, err)
				return
			}
		}
		page.Records, err = table.SortRecordList(r.Context(), sortField, direction)
	default:
		var p airtable.RecordPage
		p, err = table.ListRecordsPage(r.Context())
		page.Records, page.Offset, page.HasMore = p.Records, p.Offset, p.HasMore()
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	page.Success = true
	page.Table = table.Name()
	page.Count = len(page.Records)
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	table := s.table(r)
	record, err := table.GetRecordByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeRecord(w, http.StatusOK, table.Name(), record)
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	table := s.table(r)
	fields, err := decodeFields(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	record, err := table.CreateRecord(r.Context(), fields)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.hub.broadcast(ChangeSet{Table: table.Name(), Added: []airtable.Record{record}})
	writeRecord(w, http.StatusCreated, table.Name(), record)
}

func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	table := s.table(r)
	fields, err := decodeFields(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	record, err := table.UpdateRecord(r.Context(), mux.Vars(r)["id"], fields)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.hub.broadcast(ChangeSet{Table: table.Name(), Modified: []airtable.Record{record}})
	writeRecord(w, http.StatusOK, table.Name(), record)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	table := s.table(r)
	record, err := table.DeleteRecord(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.hub.broadcast(ChangeSet{Table: table.Name(), Deleted: []string{record.ID}})
	writeRecord(w, http.StatusOK, table.Name(), record)
}

// handleSearchArray builds a formula; it never calls the base
func (s *Server) handleSearchArray(w http.ResponseWriter, r *http.Request) {
	search := r.URL.Query().Get("search")
	field := r.URL.Query().Get("field")
	if search == "" || field == "" {
		s.writeError(w, badRequest("search and field are required"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"formula": s.client.SearchArray(search, field),
	})
}

// handleWebSocket upgrades the connection and registers it with the hub
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade to WebSocket", zap.Error(err))
		return
	}
	s.hub.serve(conn)
}

// checkOrigin accepts origin-less, same-host and configured origins
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://") == r.Host {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return true
		}
	}
	s.logger.Warn("⚠️  WebSocket connection rejected", zap.String("origin", origin))
	return false
}

func (s *Server) table(r *http.Request) *airtable.Table {
	return s.client.Table(mux.Vars(r)["table"])
}

func decodeFields(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	var req writeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(&req); err != nil {
		return nil, badRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	if req.Fields == nil {
		return nil, badRequest(`request body must be {"fields": {...}}`)
	}
	return req.Fields, nil
}

// Start starts the HTTP server and blocks until ctx is cancelled or serving fails
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("🚀 Starting server", zap.String("addr", addr), zap.String("base", s.client.BaseID()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Close(shutdownCtx)
	}
}

// Close disconnects WebSocket clients and stops the HTTP server
func (s *Server) Close(ctx context.Context) error {
	s.hub.close()
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}
