package airtable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// maxErrorBody caps how much of an error response is read
const maxErrorBody = 64 * 1024

// apiErrorBody matches both remote error shapes:
// {"error": {"type": "...", "message": "..."}} and {"error": "NOT_FOUND"}
type apiErrorBody struct {
	Error json.RawMessage `json:"error"`
}

type apiErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// doRequest performs an HTTP request with auth headers and returns the response
// when the status is 2xx. Any other outcome becomes a *RemoteError.
func (c *Client) doRequest(ctx context.Context, op, method, rawURL string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &RemoteError{Op: op, Err: fmt.Errorf("failed to encode request body: %w", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, &RemoteError{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	c.logger.Debug("Remote request", zap.String("op", op), zap.String("method", method), zap.String("url", redactURL(rawURL)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RemoteError{Op: op, Err: fmt.Errorf("request failed: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeRemoteError(op, resp)
	}

	return resp, nil
}

// doJSON performs a request and decodes a JSON response into out
func (c *Client) doJSON(ctx context.Context, op, method, rawURL string, body, out any) error {
	resp, err := c.doRequest(ctx, op, method, rawURL, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RemoteError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func decodeRemoteError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	rerr := &RemoteError{Op: op, StatusCode: resp.StatusCode}

	var envelope apiErrorBody
	if json.Unmarshal(data, &envelope) == nil && len(envelope.Error) > 0 {
		var detail apiErrorDetail
		var code string
		switch {
		case json.Unmarshal(envelope.Error, &detail) == nil && (detail.Type != "" || detail.Message != ""):
			rerr.Type = detail.Type
			rerr.Message = detail.Message
		case json.Unmarshal(envelope.Error, &code) == nil:
			rerr.Type = code
		}
	} else if text := strings.TrimSpace(string(data)); text != "" {
		rerr.Message = text
	}

	return rerr
}

// markRecordNotFound tags a 404 from a record-ID call with ErrRecordNotFound
func markRecordNotFound(err error) error {
	if rerr, ok := err.(*RemoteError); ok && rerr.StatusCode == http.StatusNotFound && rerr.Err == nil {
		rerr.Err = ErrRecordNotFound
	}
	return err
}

func pathEscape(s string) string {
	return url.PathEscape(s)
}

// redactURL drops the query string so formulas don't end up verbatim in logs
func redactURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i] + "?…"
	}
	return raw
}
