package alerts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

// History stores alert attempts for the summary endpoints.
type History interface {
	Record(ctx context.Context, entry models.AlertEntry) error
	// Since returns entries notified at or after since, oldest first.
	Since(ctx context.Context, since time.Time) ([]models.AlertEntry, error)
	// Prune drops entries notified before cutoff and reports how many went.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// MemoryHistory keeps the most recent attempts in process.
type MemoryHistory struct {
	mu      sync.Mutex
	entries []models.AlertEntry
	nextID  int64
	max     int
}

// NewMemoryHistory keeps at most max entries; older ones are dropped first.
func NewMemoryHistory(max int) *MemoryHistory {
	if max <= 0 {
		max = 10000
	}
	return &MemoryHistory{max: max}
}

// Record implements History.
func (h *MemoryHistory) Record(_ context.Context, entry models.AlertEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	entry.ID = h.nextID
	h.entries = append(h.entries, entry)
	if over := len(h.entries) - h.max; over > 0 {
		h.entries = append(h.entries[:0:0], h.entries[over:]...)
	}
	return nil
}

// Since implements History.
func (h *MemoryHistory) Since(_ context.Context, since time.Time) ([]models.AlertEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.AlertEntry, 0, len(h.entries))
	for _, e := range h.entries {
		if !e.NotifiedAt.Before(since) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NotifiedAt.Before(out[j].NotifiedAt) })
	return out, nil
}

// Prune implements History.
func (h *MemoryHistory) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.entries[:0]
	for _, e := range h.entries {
		if !e.NotifiedAt.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := int64(len(h.entries) - len(kept))
	h.entries = kept
	return removed, nil
}

// Close implements History.
func (h *MemoryHistory) Close() error { return nil }

const alertHistorySchema = `
CREATE TABLE IF NOT EXISTS alert_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	anomaly_id  TEXT NOT NULL,
	request_id  TEXT NOT NULL DEFAULT '',
	endpoint    TEXT NOT NULL DEFAULT '',
	reasons     TEXT NOT NULL DEFAULT '',
	severity    TEXT NOT NULL,
	channel     TEXT NOT NULL,
	delivered   INTEGER NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	notified_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_history_notified_at ON alert_history (notified_at);
`

// alertRow is the on-disk shape; timestamps are unix nanoseconds.
type alertRow struct {
	ID         int64  `db:"id"`
	AnomalyID  string `db:"anomaly_id"`
	RequestID  string `db:"request_id"`
	Endpoint   string `db:"endpoint"`
	Reasons    string `db:"reasons"`
	Severity   string `db:"severity"`
	Channel    string `db:"channel"`
	Delivered  int64  `db:"delivered"`
	Error      string `db:"error"`
	NotifiedAt int64  `db:"notified_at"`
}

func (r alertRow) entry() models.AlertEntry {
	return models.AlertEntry{
		ID:         r.ID,
		AnomalyID:  r.AnomalyID,
		RequestID:  r.RequestID,
		Endpoint:   r.Endpoint,
		Reasons:    r.Reasons,
		Severity:   models.Severity(r.Severity),
		Channel:    r.Channel,
		Delivered:  r.Delivered != 0,
		Error:      r.Error,
		NotifiedAt: time.Unix(0, r.NotifiedAt).UTC(),
	}
}

// SQLiteHistory persists attempts in a SQLite file so summaries survive restarts.
type SQLiteHistory struct {
	db *sqlx.DB
}

// OpenSQLiteHistory opens (or creates) the history database at path.
// ":memory:" gives a private in-memory database.
func OpenSQLiteHistory(ctx context.Context, path string) (*SQLiteHistory, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create alert history dir: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open alert history: %w", err)
	}
	// One connection serialises writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect alert history: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure alert history: %w", err)
	}
	if _, err := db.ExecContext(ctx, alertHistorySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate alert history: %w", err)
	}
	return &SQLiteHistory{db: db}, nil
}

// Record implements History.
func (h *SQLiteHistory) Record(ctx context.Context, entry models.AlertEntry) error {
	delivered := int64(0)
	if entry.Delivered {
		delivered = 1
	}
	query := `
		INSERT INTO alert_history (anomaly_id, request_id, endpoint, reasons, severity, channel, delivered, error, notified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := h.db.ExecContext(ctx, query,
		entry.AnomalyID, entry.RequestID, entry.Endpoint, entry.Reasons, string(entry.Severity),
		entry.Channel, delivered, entry.Error, entry.NotifiedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record alert: %w", err)
	}
	return nil
}

// Since implements History.
func (h *SQLiteHistory) Since(ctx context.Context, since time.Time) ([]models.AlertEntry, error) {
	var rows []alertRow
	query := `SELECT * FROM alert_history WHERE notified_at >= ? ORDER BY notified_at, id`
	if err := h.db.SelectContext(ctx, &rows, query, since.UnixNano()); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	out := make([]models.AlertEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

// Prune implements History.
func (h *SQLiteHistory) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := h.db.ExecContext(ctx, `DELETE FROM alert_history WHERE notified_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune alerts: %w", err)
	}
	return res.RowsAffected()
}

// Close implements History.
func (h *SQLiteHistory) Close() error { return h.db.Close() }
