package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

// ErrEmptyBody is returned when a request carries no log records.
var ErrEmptyBody = errors.New("empty body")

// Batch is the outcome of decoding one ingest payload.
type Batch struct {
	Records  []models.LogRecord
	Rejected int
}

// Decode reads a JSON array of records, a single JSON object or newline
// delimited JSON. Elements that are not objects are rejected and counted; a
// syntax error in the stream aborts the whole payload.
func Decode(r io.Reader, received time.Time) (Batch, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return Batch{}, ErrEmptyBody
	}
	if err != nil {
		return Batch{}, err
	}

	var batch Batch
	dec := json.NewDecoder(br)

	if first == '[' {
		var items []json.RawMessage
		if err := dec.Decode(&items); err != nil {
			return Batch{}, fmt.Errorf("decode array: %w", err)
		}
		for _, item := range items {
			batch.add(item, received)
		}
		return batch, nil
	}

	for {
		var item json.RawMessage
		err := dec.Decode(&item)
		if err == io.EOF {
			break
		}
		if err != nil {
			return Batch{}, fmt.Errorf("decode record %d: %w", len(batch.Records)+batch.Rejected+1, err)
		}
		batch.add(item, received)
	}
	if len(batch.Records) == 0 && batch.Rejected == 0 {
		return Batch{}, ErrEmptyBody
	}
	return batch, nil
}

// DecodeLine parses one log line, tolerating surrounding whitespace.
func DecodeLine(line []byte, received time.Time) (models.LogRecord, error) {
	return models.DecodeLogRecord(bytes.TrimSpace(line), received)
}

func (b *Batch) add(item json.RawMessage, received time.Time) {
	trimmed := bytes.TrimSpace(item)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		b.Rejected++
		return
	}
	rec, err := models.DecodeLogRecord(trimmed, received)
	if err != nil {
		b.Rejected++
		return
	}
	b.Records = append(b.Records, rec)
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		c, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return c, br.UnreadByte()
	}
}
