package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a minimal HTTP client for the barkit gateway.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// New returns a client with a default HTTP timeout. Uploads and exports of
// large archives may need a longer one.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		Dialer: websocket.DefaultDialer,
	}
}

// Accepted mirrors the gateway install response.
type Accepted struct {
	BoxName   string `json:"box_name"`
	BoxID     string `json:"box_id"`
	ArchiveID string `json:"archive_id"`
	Location  string `json:"location"`
}

// Message is the last progress code and its text.
type Message struct {
	Code    string `json:"code"`
	Message struct {
		Lang  string `json:"lang"`
		Value string `json:"value"`
	} `json:"message"`
}

// Progress mirrors a published install snapshot.
type Progress struct {
	Process   string     `json:"process"`
	BoxName   string     `json:"box_name"`
	BoxID     string     `json:"box_id"`
	ArchiveID string     `json:"archive_id"`
	Status    string     `json:"status"`
	Total     int64      `json:"total"`
	Processed int64      `json:"processed"`
	Percent   int        `json:"percent"`
	Progress  string     `json:"progress"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Message   Message    `json:"message"`
}

// Done reports whether the install reached a terminal status.
func (p *Progress) Done() bool { return p.Status == "COMPLETED" || p.Status == "FAILED" }

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("unexpected status %d", e.Status)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Path != "" {
		msg += " [" + e.Path + "]"
	}
	return msg
}

// IsNotFound reports whether err is a 404 from the gateway.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *Client) endpoint(path string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	return base + path
}

func boxPath(box, suffix string) string {
	return "/api/v1/boxes/" + url.PathEscape(box) + suffix
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
	}
	return apiErr
}

func (c *Client) doJSON(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	resp, err := c.do(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// Health checks the gateway liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", "", nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Install uploads an archive as box and returns once it was accepted.
func (c *Client) Install(ctx context.Context, box string, archive io.Reader) (*Accepted, error) {
	if archive == nil {
		return nil, fmt.Errorf("archive is nil")
	}
	var out Accepted
	if err := c.doJSON(ctx, http.MethodPost, boxPath(box, "/install"), "application/octet-stream", archive, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel aborts the running install of box.
func (c *Client) Cancel(ctx context.Context, box string) error {
	return c.doJSON(ctx, http.MethodDelete, boxPath(box, "/install"), "", nil, nil)
}

// Progress fetches the last published snapshot of box.
func (c *Client) Progress(ctx context.Context, box string) (*Progress, error) {
	var out Progress
	if err := c.doJSON(ctx, http.MethodGet, boxPath(box, "/progress"), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WatchProgress streams snapshots of box to fn until the install ends, fn
// returns an error or ctx is done. It returns the last snapshot seen.
func (c *Client) WatchProgress(ctx context.Context, box string, fn func(*Progress) error) (*Progress, error) {
	u, err := url.Parse(c.endpoint(boxPath(box, "/progress/stream")))
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, decodeAPIError(resp)
		}
		return nil, fmt.Errorf("dial progress stream: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var last *Progress
	for {
		var p Progress
		if err := conn.ReadJSON(&p); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && last != nil {
				return last, nil
			}
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, fmt.Errorf("read progress stream: %w", err)
		}
		last = &p
		if fn != nil {
			if err := fn(last); err != nil {
				return last, err
			}
		}
	}
}

// Export streams the archive of box into w. format is one of zip, tar,
// tar.gz or tar.zst; empty means zip.
func (c *Client) Export(ctx context.Context, box, format string, w io.Writer) (int64, error) {
	path := boxPath(box, "/export")
	if format != "" {
		path += "?format=" + url.QueryEscape(format)
	}
	resp, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("read export: %w", err)
	}
	return n, nil
}
