package appium

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// w3cElementKey is the W3C WebDriver element identifier field.
const w3cElementKey = "element-6066-11e4-a52e-4f735466cecf"

// APIError is a WebDriver-level failure: the server answered, but with
// an error document.
type APIError struct {
	Status  int    // HTTP status
	Code    string // W3C error code, e.g. "no such element"
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("appium: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("appium: %s (http %d)", e.Code, e.Status)
}

// NotFound reports whether the error is "no such element", the one
// failure WaitForElement is expected to retry through.
func (e *APIError) NotFound() bool {
	return e.Code == "no such element"
}

// Client speaks the W3C WebDriver protocol to one appium server.
// A Client belongs to one job; it is not safe for concurrent use.
type Client struct {
	baseURL   string
	http      *http.Client
	logger    *slog.Logger
	sessionID string
}

// NewClient creates a client for the server at baseURL. Request
// deadlines come from the caller's context, not the transport.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		logger:  logger,
	}
}

// SessionID returns the active session id, or "" when none is open.
func (c *Client) SessionID() string { return c.sessionID }

// Status asks the server whether it is ready to accept sessions.
func (c *Client) Status(ctx context.Context) (bool, error) {
	var v struct {
		Ready bool `json:"ready"`
	}
	if err := c.do(ctx, http.MethodGet, "/status", nil, &v); err != nil {
		return false, err
	}
	return v.Ready, nil
}

// NewSession opens a WebDriver session with the given capabilities.
func (c *Client) NewSession(ctx context.Context, caps map[string]any) error {
	body := map[string]any{
		"capabilities": map[string]any{
			"alwaysMatch": caps,
			"firstMatch":  []map[string]any{{}},
		},
	}
	var v struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/session", body, &v); err != nil {
		return err
	}
	if v.SessionID == "" {
		return errors.New("session response carried no sessionId")
	}
	c.sessionID = v.SessionID
	c.logger.Debug("session_created", "session_id", v.SessionID)
	return nil
}

// DeleteSession closes the active session. Calling it without a session
// is a no-op, so cleanup paths can call it unconditionally.
func (c *Client) DeleteSession(ctx context.Context) error {
	if c.sessionID == "" {
		return nil
	}
	id := c.sessionID
	c.sessionID = ""
	if err := c.do(ctx, http.MethodDelete, "/session/"+id, nil, nil); err != nil {
		return err
	}
	c.logger.Debug("session_deleted", "session_id", id)
	return nil
}

// FindElement locates one element and returns its id.
func (c *Client) FindElement(ctx context.Context, using, value string) (string, error) {
	path, err := c.session("/element")
	if err != nil {
		return "", err
	}
	body := map[string]string{"using": using, "value": value}

	var raw map[string]string
	if err := c.do(ctx, http.MethodPost, path, body, &raw); err != nil {
		return "", err
	}
	if id := raw[w3cElementKey]; id != "" {
		return id, nil
	}
	if id := raw["ELEMENT"]; id != "" { // pre-W3C servers
		return id, nil
	}
	return "", errors.New("element response carried no id")
}

// WaitForElement polls FindElement until the element appears, timeout
// passes, or ctx is cancelled.
func (c *Client) WaitForElement(ctx context.Context, using, value string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error

	for {
		id, err := c.FindElement(ctx, using, value)
		if err == nil {
			return id, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !time.Now().Before(deadline) {
			return "", fmt.Errorf("element %s=%q not visible after %s: %w", using, value, timeout, lastErr)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Tap clicks an element.
func (c *Client) Tap(ctx context.Context, elementID string) error {
	path, err := c.session("/element/" + elementID + "/click")
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, map[string]any{}, nil)
}

// Screenshot captures the screen and returns the decoded PNG bytes.
func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	path, err := c.session("/screenshot")
	if err != nil {
		return nil, err
	}
	var b64 string
	if err := c.do(ctx, http.MethodGet, path, nil, &b64); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decoding screenshot: %w", err)
	}
	return data, nil
}

// PageSource returns the current UI hierarchy as XML.
func (c *Client) PageSource(ctx context.Context) (string, error) {
	path, err := c.session("/source")
	if err != nil {
		return "", err
	}
	var src string
	if err := c.do(ctx, http.MethodGet, path, nil, &src); err != nil {
		return "", err
	}
	return src, nil
}

// SetOrientation rotates the device to "PORTRAIT" or "LANDSCAPE".
func (c *Client) SetOrientation(ctx context.Context, orientation string) error {
	path, err := c.session("/orientation")
	if err != nil {
		return err
	}
	body := map[string]string{"orientation": strings.ToUpper(orientation)}
	return c.do(ctx, http.MethodPost, path, body, nil)
}

func (c *Client) session(suffix string) (string, error) {
	if c.sessionID == "" {
		return "", errors.New("no active session")
	}
	return "/session/" + c.sessionID + suffix, nil
}

// do sends one request and decodes the W3C {"value": ...} envelope.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var envelope struct {
		Value json.RawMessage `json:"value"`
	}
	// Tolerate a non-JSON body on error statuses; the APIError still
	// carries the HTTP status.
	_ = json.Unmarshal(data, &envelope)

	if resp.StatusCode >= 400 {
		var we struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(envelope.Value, &we)
		return &APIError{Status: resp.StatusCode, Code: we.Error, Message: we.Message}
	}

	if out != nil && len(envelope.Value) > 0 && string(envelope.Value) != "null" {
		if err := json.Unmarshal(envelope.Value, out); err != nil {
			return fmt.Errorf("decoding %s response: %w", path, err)
		}
	}
	return nil
}
