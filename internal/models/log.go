package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/mirador-logwatch/internal/utils"
)

// Field identifies a LogRecord attribute that can be tagged as malformed.
type Field uint8

const (
	FieldTimestamp Field = iota
	FieldEndpoint
	FieldMethod
	FieldStatusCode
	FieldResponseTime
	FieldUserAgent
	FieldIPAddress
	FieldRequestID
)

var fieldNames = [...]string{
	FieldTimestamp:    "timestamp",
	FieldEndpoint:     "endpoint",
	FieldMethod:       "method",
	FieldStatusCode:   "status_code",
	FieldResponseTime: "response_time_ms",
	FieldUserAgent:    "user_agent",
	FieldIPAddress:    "ip_address",
	FieldRequestID:    "request_id",
}

func (f Field) String() string {
	if int(f) < len(fieldNames) {
		return fieldNames[f]
	}
	return "field(" + strconv.Itoa(int(f)) + ")"
}

// FieldSet is a bitmask of fields that were missing or unparseable.
type FieldSet uint16

// Has reports whether f is in the set.
func (s FieldSet) Has(f Field) bool { return s&(1<<f) != 0 }

// With returns a copy of s including f.
func (s FieldSet) With(f Field) FieldSet { return s | (1 << f) }

// Names lists the fields in the set in declaration order.
func (s FieldSet) Names() []string {
	if s == 0 {
		return nil
	}
	names := make([]string, 0, 4)
	for f := range fieldNames {
		if s.Has(Field(f)) {
			names = append(names, fieldNames[f])
		}
	}
	return names
}

// Plausibility bounds applied at decode. Values outside them are tagged
// malformed so a single corrupt record cannot skew the window.
const (
	// MaxClockSkew is how far ahead of the receive time a timestamp may be.
	MaxClockSkew = 5 * time.Minute
	// MaxResponseTimeMs is one day.
	MaxResponseTimeMs = 86_400_000.0
	MinStatusCode     = 100
	MaxStatusCode     = 999
)

// LogRecord is one observed API request. Values are never mutated after decode.
type LogRecord struct {
	Timestamp      time.Time      `json:"timestamp"`
	Endpoint       string         `json:"endpoint"`
	Method         string         `json:"method"`
	StatusCode     int            `json:"status_code"`
	ResponseTimeMs float64        `json:"response_time_ms"`
	UserAgent      string         `json:"user_agent"`
	IPAddress      string         `json:"ip_address"`
	RequestID      string         `json:"request_id"`
	Payload        map[string]any `json:"payload,omitempty"`
	Malformed      FieldSet       `json:"-"`
}

// PayloadNumber returns the named payload field as a float when it is numeric.
func (r LogRecord) PayloadNumber(key string) (float64, bool) {
	v, ok := r.Payload[key]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// DecodeLogRecord parses one structured log line. Only invalid JSON is an error:
// missing or unparseable fields are replaced by zero values and tagged in Malformed.
func DecodeLogRecord(data []byte, received time.Time) (LogRecord, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return LogRecord{}, fmt.Errorf("decode log record: %w", err)
	}
	return RecordFromMap(raw, received), nil
}

// RecordFromMap converts an already-decoded JSON object into a LogRecord.
func RecordFromMap(raw map[string]any, received time.Time) LogRecord {
	var rec LogRecord

	if ts, ok := stringField(raw, "timestamp"); ok {
		if parsed, err := utils.ParseLogTimestamp(ts); err == nil {
			rec.Timestamp = parsed
		}
	}
	if !received.IsZero() && rec.Timestamp.After(received.Add(MaxClockSkew)) {
		rec.Timestamp = time.Time{}
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = received.UTC()
		rec.Malformed = rec.Malformed.With(FieldTimestamp)
	}

	rec.Endpoint, rec.Malformed = stringOrTag(raw, "endpoint", FieldEndpoint, rec.Malformed)
	rec.Method, rec.Malformed = stringOrTag(raw, "method", FieldMethod, rec.Malformed)
	rec.Method = strings.ToUpper(rec.Method)
	rec.UserAgent, rec.Malformed = stringOrTag(raw, "user_agent", FieldUserAgent, rec.Malformed)
	rec.IPAddress, rec.Malformed = stringOrTag(raw, "ip_address", FieldIPAddress, rec.Malformed)
	rec.RequestID, rec.Malformed = stringOrTag(raw, "request_id", FieldRequestID, rec.Malformed)

	if v, ok := toFloat(raw["status_code"]); ok && v >= MinStatusCode && v <= MaxStatusCode && v == math.Trunc(v) {
		rec.StatusCode = int(v)
	} else {
		rec.Malformed = rec.Malformed.With(FieldStatusCode)
	}
	if v, ok := toFloat(raw["response_time_ms"]); ok && v >= 0 && v <= MaxResponseTimeMs {
		rec.ResponseTimeMs = v
	} else {
		rec.Malformed = rec.Malformed.With(FieldResponseTime)
	}

	for key, value := range raw {
		if isCoreKey(key) {
			continue
		}
		if rec.Payload == nil {
			rec.Payload = make(map[string]any)
		}
		rec.Payload[key] = value
	}
	if nested, ok := raw["payload"].(map[string]any); ok {
		delete(rec.Payload, "payload")
		for key, value := range nested {
			if rec.Payload == nil {
				rec.Payload = make(map[string]any)
			}
			rec.Payload[key] = value
		}
	}
	return rec
}

func isCoreKey(key string) bool {
	switch key {
	case "timestamp", "endpoint", "method", "status_code", "response_time_ms",
		"user_agent", "ip_address", "request_id":
		return true
	}
	return false
}

func stringField(raw map[string]any, key string) (string, bool) {
	v, ok := raw[key].(string)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func stringOrTag(raw map[string]any, key string, f Field, set FieldSet) (string, FieldSet) {
	if v, ok := stringField(raw, key); ok {
		return v, set
	}
	return "", set.With(f)
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
