package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dreamware/gridreduce/internal/endpoint"
)

// NodeInfo describes a gridreduce node process. Addr is both its endpoint
// address and its HTTP listen address.
type NodeInfo struct {
	Addr string `json:"addr"`
	// RingID is the node's position on the ring, zero until it has joined.
	RingID uint64 `json:"ring_id,omitempty"`
	// Health fields are maintained by the coordinator's health monitor.
	HealthStatus    string    `json:"health_status,omitempty"`
	LastHealthCheck time.Time `json:"last_health_check,omitempty"`
}

// BaseURL returns the HTTP base URL of the node.
func (n NodeInfo) BaseURL() string { return BaseURL(n.Addr) }

// BaseURL returns the HTTP base URL of the process at addr.
func BaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

// RegisterRequest announces a node to a coordinator.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// LinkRequest asks the process hosting Target to notify Watcher when
// Target exits.
type LinkRequest struct {
	Watcher endpoint.ID `json:"watcher"`
	Target  endpoint.ID `json:"target"`
}

// StatusError is returned by PostJSON and GetJSON for responses with a
// status code of 300 or above.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.Code)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.Code, e.Body)
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON posts body as JSON and decodes the response into out, which may
// be nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	return postJSON(ctx, httpClient, url, body, out)
}

func postJSON(ctx context.Context, client *http.Client, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(client, req, out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(httpClient, req, out)
}

func do(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: req.URL.String(), Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
