package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/atomicdeploy/airexport/pkg/airtable"
)

// RecordsResponse is the body of GET /api/tables/{table}/records
type RecordsResponse struct {
	Success bool              `json:"success"`
	Table   string            `json:"table"`
	Count   int               `json:"count"`
	Records []airtable.Record `json:"records"`
	Offset  string            `json:"offset,omitempty"`
	HasMore bool              `json:"has_more"`
}

// requestError is a malformed request detected before any remote call
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error {
	return &requestError{msg: msg}
}

// statusFor maps an error to the HTTP status returned to the caller
func statusFor(err error) int {
	var (
		reqErr    *requestError
		notFound  *airtable.TableNotFoundError
		remoteErr *airtable.RemoteError
		cfgErr    *airtable.ConfigurationError
	)
	switch {
	case errors.As(err, &reqErr),
		errors.Is(err, airtable.ErrNoTableSelected),
		errors.Is(err, airtable.ErrEmptyTableName),
		errors.Is(err, airtable.ErrInvalidSortDirection):
		return http.StatusBadRequest
	case errors.As(err, &notFound),
		errors.Is(err, airtable.ErrRecordNotFound),
		errors.Is(err, airtable.ErrTableVanished):
		return http.StatusNotFound
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError
	case errors.As(err, &remoteErr):
		// the proxy's own credentials were rejected, not the caller's
		if remoteErr.StatusCode == http.StatusUnauthorized || remoteErr.StatusCode == http.StatusForbidden {
			return http.StatusBadGateway
		}
		if remoteErr.StatusCode >= 400 {
			return remoteErr.StatusCode
		}
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("Request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   err.Error(),
	})
}

func writeRecord(w http.ResponseWriter, status int, table string, record airtable.Record) {
	writeJSON(w, status, map[string]any{
		"success": true,
		"table":   table,
		"record":  record,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
