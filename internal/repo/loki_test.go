package repo

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestQueryRangeMergesStreamsInOrder(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	end := start.Add(5 * time.Minute)

	client := stubLoki("http://loki:3100/", func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != queryRangePath {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		q := req.URL.Query()
		if q.Get("query") != `{container="app"}` {
			t.Fatalf("unexpected query: %s", q.Get("query"))
		}
		if q.Get("start") != "1700000000000000000" || q.Get("limit") != "100" {
			t.Fatalf("unexpected params: %v", q)
		}
		return jsonResponse(t, http.StatusOK, map[string]any{
			"status": "success",
			"data": map[string]any{
				"resultType": "streams",
				"result": []map[string]any{
					{
						"stream": map[string]string{"container": "app", "pod": "b"},
						"values": [][2]string{{"1700000002000000000", `{"endpoint":"/b"}`}},
					},
					{
						"stream": map[string]string{"container": "app", "pod": "a"},
						"values": [][2]string{
							{"1700000001000000000", `{"endpoint":"/a"}`},
							{"not-a-number", "dropped"},
						},
					},
				},
			},
		}), nil
	})

	entries, err := client.QueryRange(context.Background(), `{container="app"}`, start, end, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Line != `{"endpoint":"/a"}` || entries[0].Labels["pod"] != "a" {
		t.Fatalf("entries not ordered by timestamp: %+v", entries)
	}
	if !entries[1].Timestamp.Equal(time.Unix(1_700_000_002, 0)) {
		t.Fatalf("unexpected timestamp %v", entries[1].Timestamp)
	}
}

func TestQueryRangeReportsUpstreamError(t *testing.T) {
	client := stubLoki("http://loki:3100", func(req *http.Request) (*http.Response, error) {
		return rawResponse(http.StatusBadRequest, []byte("parse error")), nil
	})

	_, err := client.QueryRange(context.Background(), "{", time.Now(), time.Now(), 10)
	if err == nil || !strings.Contains(err.Error(), "parse error") {
		t.Fatalf("expected upstream message in error, got %v", err)
	}
}

func TestPushEncodesStreams(t *testing.T) {
	var captured map[string]any
	client := stubLoki("http://loki:3100", func(req *http.Request) (*http.Response, error) {
		if req.Method != http.MethodPost || req.URL.Path != pushPath {
			t.Fatalf("unexpected request %s %s", req.Method, req.URL.Path)
		}
		if err := json.NewDecoder(req.Body).Decode(&captured); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		return rawResponse(http.StatusNoContent, nil), nil
	})

	ts := time.Unix(1_700_000_000, 5)
	err := client.Push(context.Background(), map[string]string{"service": "anomaly_detector"}, []PushEntry{{Timestamp: ts, Line: "hello"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	streams, ok := captured["streams"].([]any)
	if !ok || len(streams) != 1 {
		t.Fatalf("unexpected payload: %v", captured)
	}
	stream := streams[0].(map[string]any)
	values := stream["values"].([]any)
	first := values[0].([]any)
	if first[0] != "1700000000000000005" || first[1] != "hello" {
		t.Fatalf("unexpected value pair: %v", first)
	}
}

func TestLokiClientWithoutBaseURL(t *testing.T) {
	client := NewLokiClient("", time.Second)
	if _, err := client.QueryRange(context.Background(), "{}", time.Now(), time.Now(), 1); err == nil {
		t.Fatalf("expected error without base URL")
	}
	if err := client.Push(context.Background(), nil, []PushEntry{{Line: "x"}}); err == nil {
		t.Fatalf("expected error without base URL")
	}
}
