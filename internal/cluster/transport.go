package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wafportal/backend/internal/version"
)

// Inter-node endpoint paths.
const (
	ExportPath = "/api/v1/cluster/export"
	ImportPath = "/api/v1/cluster/import"
	PingPath   = "/api/v1/cluster/ping"
)

// maxPayloadBytes bounds how much of a peer response is read.
const maxPayloadBytes = 64 << 20

// ExportResponse is returned by a master to a pulling slave.
type ExportResponse struct {
	Unchanged bool      `json:"unchanged"`
	Hash      string    `json:"hash"`
	Snapshot  *Snapshot `json:"snapshot,omitempty"`
}

// ImportRequest is pushed by a master to a slave.
type ImportRequest struct {
	Hash     string    `json:"hash"`
	Snapshot *Snapshot `json:"snapshot"`
}

// ImportResponse reports what the slave changed.
type ImportResponse struct {
	ChangesCount  int    `json:"changes_count"`
	Hash          string `json:"hash"`
	ReloadMessage string `json:"reload_message"`
}

// PingResponse identifies the answering node.
type PingResponse struct {
	Mode     string     `json:"mode"`
	Name     string     `json:"name"`
	Version  string     `json:"version"`
	Time     time.Time  `json:"time"`
	NodeID   uint       `json:"node_id,omitempty"`
	LastHash string     `json:"last_hash,omitempty"`
	Stats    *NodeStats `json:"stats,omitempty"`
}

// ErrorResponse is the body of every non-2xx inter-node response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Transport talks to one peer node.
type Transport interface {
	Export(ctx context.Context, knownHash string) (*ExportResponse, error)
	Import(ctx context.Context, snap *Snapshot) (*ImportResponse, error)
	Ping(ctx context.Context) (*PingResponse, error)
}

// Dialer builds a Transport for a peer address and credential.
type Dialer func(host string, port int, apiKey string) Transport

// Client is the HTTP Transport. Ping is bounded by the connect timeout,
// export and import by the transfer timeout.
type Client struct {
	baseURL         string
	apiKey          string
	connectTimeout  time.Duration
	transferTimeout time.Duration
	httpClient      *http.Client
}

// NewDialer returns a Dialer producing HTTP clients with the given timeouts.
func NewDialer(connectTimeout, transferTimeout time.Duration) Dialer {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: transferTimeout,
			MaxIdleConnsPerHost:   2,
			IdleConnTimeout:       90 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return func(host string, port int, apiKey string) Transport {
		return &Client{
			baseURL:         BaseURL(host, port),
			apiKey:          apiKey,
			connectTimeout:  connectTimeout,
			transferTimeout: transferTimeout,
			httpClient:      httpClient,
		}
	}
}

// BaseURL turns a host and port into a URL. A host that already carries a
// scheme is used as-is.
func BaseURL(host string, port int) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

func (c *Client) Export(ctx context.Context, knownHash string) (*ExportResponse, error) {
	path := ExportPath
	if knownHash != "" {
		path += "?known_hash=" + url.QueryEscape(knownHash)
	}
	var out ExportResponse
	if err := c.do(ctx, c.transferTimeout, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if !out.Unchanged && out.Snapshot == nil {
		return nil, fmt.Errorf("%w: export response carries no snapshot", ErrIntegrity)
	}
	return &out, nil
}

func (c *Client) Import(ctx context.Context, snap *Snapshot) (*ImportResponse, error) {
	var out ImportResponse
	if err := c.do(ctx, c.transferTimeout, http.MethodPost, ImportPath, ImportRequest{Hash: snap.Hash, Snapshot: snap}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Ping(ctx context.Context) (*PingResponse, error) {
	var out PingResponse
	if err := c.do(ctx, c.connectTimeout, http.MethodGet, PingPath, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, in, out any) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return ValidationErrorf("invalid peer address %q: %v", c.baseURL, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyResponse(resp)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPayloadBytes)).Decode(out); err != nil {
		return TransportError(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func classifyResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var er ErrorResponse
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	if kind := kindError(er.Kind); kind != nil {
		return fmt.Errorf("%w: remote: %s", kind, msg)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: remote returned %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: remote: %s", ErrSyncInProgress, msg)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: remote: %s", ErrIntegrity, msg)
	case resp.StatusCode >= 500:
		return TransportError(fmt.Errorf("remote returned %d: %s", resp.StatusCode, msg))
	default:
		return fmt.Errorf("%w: remote returned %d: %s", ErrApply, resp.StatusCode, msg)
	}
}

var errorKinds = []struct {
	kind string
	err  error
}{
	{"validation", ErrValidation},
	{"unauthorized", ErrUnauthorized},
	{"transport", ErrTransport},
	{"integrity", ErrIntegrity},
	{"apply", ErrApply},
	{"not_found", ErrNotFound},
	{"in_progress", ErrSyncInProgress},
	{"wrong_role", ErrWrongRole},
}

// ErrorKind names the error category of err for ErrorResponse.Kind.
func ErrorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}

func kindError(kind string) error {
	for _, k := range errorKinds {
		if k.kind == kind {
			return k.err
		}
	}
	return nil
}
