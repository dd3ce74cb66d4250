// Command demo-api serves a few fake endpoints and writes one JSON access-log
// line per request to stdout, in the shape logwatch ingests. /api/suspicious
// misbehaves on purpose.
package main

import (
	"encoding/json"
	"flag"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

type user struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type product struct {
	ID       int     `json:"id"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Category string  `json:"category"`
}

type order struct {
	ID        int     `json:"id"`
	UserID    int     `json:"user_id"`
	ProductID int     `json:"product_id"`
	Quantity  int     `json:"quantity"`
	Total     float64 `json:"total"`
	Status    string  `json:"status"`
}

var (
	users = []user{
		{ID: 1, Name: "John Doe", Email: "john@example.com", Role: "user"},
		{ID: 2, Name: "Jane Smith", Email: "jane@example.com", Role: "admin"},
		{ID: 3, Name: "Bob Johnson", Email: "bob@example.com", Role: "user"},
	}
	products = []product{
		{ID: 1, Name: "Laptop", Price: 999.99, Category: "electronics"},
		{ID: 2, Name: "Mouse", Price: 29.99, Category: "electronics"},
		{ID: 3, Name: "Keyboard", Price: 79.99, Category: "electronics"},
	}
	orders = []order{
		{ID: 1, UserID: 1, ProductID: 1, Quantity: 1, Total: 999.99, Status: "completed"},
		{ID: 2, UserID: 2, ProductID: 2, Quantity: 2, Total: 59.98, Status: "pending"},
	}
)

func main() {
	addr := flag.String("addr", ":5000", "listen address")
	flag.Parse()

	access := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
				a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339Nano))
			}
			return a
		},
	}))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/users", listHandler(users))
	mux.HandleFunc("GET /api/products", listHandler(products))
	mux.HandleFunc("GET /api/orders", listHandler(orders))
	mux.HandleFunc("/api/suspicious", suspicious)
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "timestamp": time.Now().UTC()})
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           logRequests(access, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("demo api listening", slog.String("addr", *addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func listHandler[T any](items []T) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(time.Duration(10+rand.Intn(40)) * time.Millisecond)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": items, "count": len(items)})
	}
}

// suspicious is slow about a third of the time and fails with a client or
// server error about a third of the time.
func suspicious(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	switch roll := rand.Float64(); {
	case roll < 0.3:
		time.Sleep(time.Duration(2000+rand.Intn(3000)) * time.Millisecond)
	case roll < 0.7:
		codes := []int{400, 401, 403, 500}
		status = codes[rand.Intn(len(codes))]
	}
	noise := make([]int, 50+rand.Intn(150))
	for i := range noise {
		noise[i] = 1 + rand.Intn(1000)
	}
	writeJSON(w, status, map[string]any{
		"success": status == http.StatusOK,
		"data":    map[string]any{"message": "This is a suspicious endpoint", "random_data": noise},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func logRequests(access *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		ua := r.UserAgent()
		if ua == "" {
			ua = "Unknown"
		}
		access.Info("API Request",
			slog.String("endpoint", r.URL.Path),
			slog.String("method", r.Method),
			slog.Int("status_code", rw.status),
			slog.Float64("response_time_ms", float64(time.Since(start).Microseconds())/1000),
			slog.String("user_agent", ua),
			slog.String("ip_address", ip),
			slog.String("request_id", uuid.NewString()),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
