package extractors

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

// SchemaVersion identifies the column order of FeatureVector. Bump it whenever
// columns are added, removed or reordered.
const SchemaVersion = 1

// Column indexes one FeatureVector value.
type Column int

const (
	ColResponseTime Column = iota
	ColStatusCode
	ColStatusClass
	ColPayloadSize
	ColEndpointBucket
	ColMethodCode
	ColUserAgentBucket
	ColEndpointLength
	ColUserAgentLength
	ColHour
	ColDayOfWeek

	NumColumns
)

var columnNames = [NumColumns]string{
	ColResponseTime:    "response_time_ms",
	ColStatusCode:      "status_code",
	ColStatusClass:     "status_class",
	ColPayloadSize:     "payload_size",
	ColEndpointBucket:  "endpoint_bucket",
	ColMethodCode:      "method_code",
	ColUserAgentBucket: "user_agent_bucket",
	ColEndpointLength:  "endpoint_length",
	ColUserAgentLength: "user_agent_length",
	ColHour:            "hour",
	ColDayOfWeek:       "day_of_week",
}

func (c Column) String() string {
	if c >= 0 && c < NumColumns {
		return columnNames[c]
	}
	return fmt.Sprintf("column(%d)", int(c))
}

// ParseColumns resolves configured column names. Unknown or duplicate names are rejected.
func ParseColumns(names []string) ([]Column, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no feature columns configured")
	}
	seen := make(map[Column]bool, len(names))
	cols := make([]Column, 0, len(names))
	for _, name := range names {
		col, ok := lookupColumn(strings.TrimSpace(name))
		if !ok {
			return nil, fmt.Errorf("unknown feature column %q", name)
		}
		if seen[col] {
			return nil, fmt.Errorf("duplicate feature column %q", name)
		}
		seen[col] = true
		cols = append(cols, col)
	}
	return cols, nil
}

func lookupColumn(name string) (Column, bool) {
	for i, n := range columnNames {
		if n == name {
			return Column(i), true
		}
	}
	return 0, false
}

// FeatureVector is the fixed-order numeric form of one LogRecord.
type FeatureVector struct {
	Values  [NumColumns]float64
	Missing uint16
}

// IsMissing reports whether the column holds a sentinel substituted for a bad field.
func (v FeatureVector) IsMissing(c Column) bool { return v.Missing&(1<<uint(c)) != 0 }

func (v *FeatureVector) markMissing(cols ...Column) {
	for _, c := range cols {
		v.Missing |= 1 << uint(c)
	}
}

var methodCodes = map[string]float64{
	"GET":     1,
	"POST":    2,
	"PUT":     3,
	"DELETE":  4,
	"PATCH":   5,
	"HEAD":    6,
	"OPTIONS": 7,
}

// Extractor turns log records into feature vectors. It holds only immutable
// configuration, so one instance is safe for concurrent use.
type Extractor struct {
	endpointBuckets  uint64
	userAgentBuckets uint64
}

// NewExtractor builds an extractor with the given hash bucket counts.
func NewExtractor(endpointBuckets, userAgentBuckets int) *Extractor {
	if endpointBuckets <= 0 {
		endpointBuckets = 64
	}
	if userAgentBuckets <= 0 {
		userAgentBuckets = 32
	}
	return &Extractor{
		endpointBuckets:  uint64(endpointBuckets),
		userAgentBuckets: uint64(userAgentBuckets),
	}
}

// Extract maps one record to its vector. Fields tagged malformed at decode time
// keep their zero sentinel and are flagged in Missing.
func (e *Extractor) Extract(rec models.LogRecord) FeatureVector {
	var v FeatureVector

	v.Values[ColResponseTime] = rec.ResponseTimeMs
	v.Values[ColStatusCode] = float64(rec.StatusCode)
	v.Values[ColStatusClass] = float64(rec.StatusCode / 100)
	v.Values[ColPayloadSize] = payloadSize(rec)
	v.Values[ColEndpointBucket] = float64(xxhash.Sum64String(rec.Endpoint) % e.endpointBuckets)
	v.Values[ColMethodCode] = methodCodes[rec.Method]
	v.Values[ColUserAgentBucket] = float64(xxhash.Sum64String(rec.UserAgent) % e.userAgentBuckets)
	v.Values[ColEndpointLength] = float64(len(rec.Endpoint))
	v.Values[ColUserAgentLength] = float64(len(rec.UserAgent))

	ts := rec.Timestamp.UTC()
	v.Values[ColHour] = float64(ts.Hour())
	v.Values[ColDayOfWeek] = float64(ts.Weekday())

	m := rec.Malformed
	if m.Has(models.FieldResponseTime) {
		v.markMissing(ColResponseTime)
	}
	if m.Has(models.FieldStatusCode) {
		v.markMissing(ColStatusCode, ColStatusClass)
	}
	if m.Has(models.FieldEndpoint) {
		v.markMissing(ColEndpointBucket, ColEndpointLength)
	}
	if m.Has(models.FieldMethod) {
		v.markMissing(ColMethodCode)
	}
	if m.Has(models.FieldUserAgent) {
		v.markMissing(ColUserAgentBucket, ColUserAgentLength)
	}
	if m.Has(models.FieldTimestamp) {
		v.markMissing(ColHour, ColDayOfWeek)
	}
	return v
}

// ExtractAll extracts every record in order.
func (e *Extractor) ExtractAll(records []models.LogRecord) []FeatureVector {
	out := make([]FeatureVector, len(records))
	for i, rec := range records {
		out[i] = e.Extract(rec)
	}
	return out
}

func payloadSize(rec models.LogRecord) float64 {
	if size, ok := rec.PayloadNumber("response_size"); ok && size >= 0 {
		return size
	}
	return float64(len(rec.Payload))
}

// Project selects cols from every vector into a row-major matrix, with a parallel
// mask of missing cells.
func Project(vectors []FeatureVector, cols []Column) ([][]float64, [][]bool) {
	matrix := make([][]float64, len(vectors))
	mask := make([][]bool, len(vectors))
	for i, v := range vectors {
		row := make([]float64, len(cols))
		miss := make([]bool, len(cols))
		for j, c := range cols {
			row[j] = v.Values[c]
			miss[j] = v.IsMissing(c)
		}
		matrix[i] = row
		mask[i] = miss
	}
	return matrix, mask
}

// ColumnValues returns one column across all vectors plus its missing mask.
func ColumnValues(vectors []FeatureVector, c Column) ([]float64, []bool) {
	values := make([]float64, len(vectors))
	missing := make([]bool, len(vectors))
	for i, v := range vectors {
		values[i] = v.Values[c]
		missing[i] = v.IsMissing(c)
	}
	return values, missing
}

// ImputeMedian replaces missing cells in place with the median of the column's
// present values. Columns with no present values are left at their sentinel.
func ImputeMedian(matrix [][]float64, mask [][]bool) {
	if len(matrix) == 0 {
		return
	}
	width := len(matrix[0])
	for j := 0; j < width; j++ {
		present := make([]float64, 0, len(matrix))
		anyMissing := false
		for i := range matrix {
			if mask[i][j] {
				anyMissing = true
				continue
			}
			present = append(present, matrix[i][j])
		}
		if !anyMissing || len(present) == 0 {
			continue
		}
		median := percentile(present, 0.5)
		for i := range matrix {
			if mask[i][j] {
				matrix[i][j] = median
			}
		}
	}
}
