package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	queryRangePath = "/loki/api/v1/query_range"
	pushPath       = "/loki/api/v1/push"
)

// LokiEntry is one log line returned by a range query.
type LokiEntry struct {
	Timestamp time.Time
	Line      string
	Labels    map[string]string
}

// PushEntry is one line to push to Loki.
type PushEntry struct {
	Timestamp time.Time
	Line      string
}

// LokiClient wraps the Loki HTTP API used for pulling access logs and pushing
// anomaly lines for dashboards.
type LokiClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewLokiClient constructs a client targeting the configured Loki instance.
func NewLokiClient(baseURL string, timeout time.Duration) *LokiClient {
	return &LokiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// QueryRange fetches up to limit lines matching query in (start, end], oldest first.
func (c *LokiClient) QueryRange(ctx context.Context, query string, start, end time.Time, limit int) ([]LokiEntry, error) {
	if c == nil {
		return nil, fmt.Errorf("loki client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("loki base URL not configured")
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	params.Set("end", strconv.FormatInt(end.UnixNano(), 10))
	params.Set("direction", "forward")
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var response struct {
		Status string `json:"status"`
		Data   struct {
			ResultType string `json:"resultType"`
			Result     []struct {
				Stream map[string]string `json:"stream"`
				Values [][2]string       `json:"values"`
			} `json:"result"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, c.resolvePath(queryRangePath)+"?"+params.Encode(), &response); err != nil {
		return nil, fmt.Errorf("loki query_range failed: %w", err)
	}
	if response.Status != "" && response.Status != "success" {
		return nil, fmt.Errorf("loki query_range returned status %q", response.Status)
	}
	if response.Data.ResultType != "" && response.Data.ResultType != "streams" {
		return nil, fmt.Errorf("loki query_range returned %s, expected streams", response.Data.ResultType)
	}

	entries := make([]LokiEntry, 0)
	for _, stream := range response.Data.Result {
		for _, value := range stream.Values {
			ns, err := strconv.ParseInt(value[0], 10, 64)
			if err != nil {
				continue
			}
			entries = append(entries, LokiEntry{
				Timestamp: time.Unix(0, ns).UTC(),
				Line:      value[1],
				Labels:    stream.Stream,
			})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}

// Push sends lines to Loki under one label set.
func (c *LokiClient) Push(ctx context.Context, labels map[string]string, entries []PushEntry) error {
	if c == nil {
		return fmt.Errorf("loki client not initialised")
	}
	if c.baseURL == "" {
		return fmt.Errorf("loki base URL not configured")
	}
	if len(entries) == 0 {
		return nil
	}

	values := make([][2]string, 0, len(entries))
	for _, e := range entries {
		values = append(values, [2]string{strconv.FormatInt(e.Timestamp.UnixNano(), 10), e.Line})
	}
	payload := map[string]any{
		"streams": []map[string]any{
			{"stream": labels, "values": values},
		},
	}
	if err := c.postJSON(ctx, c.resolvePath(pushPath), payload); err != nil {
		return fmt.Errorf("loki push failed: %w", err)
	}
	return nil
}

func (c *LokiClient) resolvePath(p string) string {
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *LokiClient) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *LokiClient) postJSON(ctx context.Context, endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Loki answers pushes with 204.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return statusError(resp)
	}
	return nil
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if msg := strings.TrimSpace(string(snippet)); msg != "" {
		return fmt.Errorf("loki returned %s: %s", resp.Status, msg)
	}
	return fmt.Errorf("loki returned %s", resp.Status)
}
