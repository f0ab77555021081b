package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zmyer/scylla-sub000/internal/engine"
	"github.com/zmyer/scylla-sub000/pkg/cache"
	"github.com/zmyer/scylla-sub000/pkg/dberrors"
	"github.com/zmyer/scylla-sub000/pkg/partition"
	"github.com/zmyer/scylla-sub000/pkg/schema"
	"github.com/zmyer/scylla-sub000/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

type iTableAPI interface {
	Schema() *schema.Schema
	Apply(m *partition.Mutation) error
	Get(key schema.DecoratedKey) (*partition.Mutation, error)
	Flush(ctx context.Context) error
	Stats() engine.Stats
	Cache() *cache.Cache
}

type iMetricsAPI interface {
	Snapshot() map[string]float64
}

// Server exposes the storage engine's debug and data surface over HTTP.
type Server struct {
	table      iTableAPI
	registry   iMetricsAPI
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a new server instance.
func NewServer(table iTableAPI, registry iMetricsAPI, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		table:    table,
		registry: registry,
		URL:      "http://localhost:" + port,
		addr:     ":" + port,
	}
}

// Start starts the server.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// createRouter builds chi router.
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/stats", s.handleStats)
	r.Put("/api/cell", s.handlePut)
	r.Get("/api/cell", s.handleGet)
	r.Delete("/api/partition", s.handleDelete)
	r.Post("/api/flush", s.handleFlush)
	r.Post("/api/cache/invalidate", s.handleInvalidate)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		s.writeJSON(w, http.StatusOK, map[string]float64{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.table.Stats())
}

// regularColumn resolves a column name to its ID, defaulting to the first
// regular column when the name is empty.
func regularColumn(sc *schema.Schema, name string) (types.ColumnID, bool) {
	for _, def := range sc.Columns() {
		if def.Kind != schema.Regular {
			continue
		}
		if name == "" || def.Name == name {
			return def.ID, true
		}
	}
	return 0, false
}

func writeTimestamp(r *http.Request) types.Timestamp {
	if raw := r.FormValue("ts"); raw != "" {
		if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return types.Timestamp(ts)
		}
	}
	return types.Timestamp(time.Now().UnixMicro())
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	key := r.FormValue("key")
	row := r.FormValue("row")
	value := r.FormValue("value")
	if key == "" || value == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key or value"))
		return
	}

	sc := s.table.Schema()
	col, ok := regularColumn(sc, r.FormValue("col"))
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Unknown column"))
		return
	}

	m := partition.NewMutation(sc, schema.DecorateKey([]byte(key)))
	m.Partition.ClusteredRow(sc, schema.MakeClusteringKey([]byte(row))).
		Cells.Apply(col, partition.AtomicValue(partition.LiveCell(writeTimestamp(r), []byte(value))))
	if err := s.table.Apply(m); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	sc := s.table.Schema()
	col, ok := regularColumn(sc, r.URL.Query().Get("col"))
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Unknown column"))
		return
	}

	m, err := s.table.Get(schema.DecorateKey([]byte(key)))
	if errors.Is(err, dberrors.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	// drop shadowed and expired data before answering
	p := m.Partition.Clone(sc)
	now := types.DeletionTime(time.Now().Unix())
	if p.CompactForQuery(sc, now, nil, false, 0) == 0 {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}

	d, ok := p.FindRow(schema.MakeClusteringKey([]byte(r.URL.Query().Get("row"))))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Row not found"))
		return
	}
	v, ok := d.Cells.Get(col)
	if !ok || v.IsCollection() || v.Atomic.Dead {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Cell not found"))
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(string(v.Atomic.Value)))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	sc := s.table.Schema()
	m := partition.NewMutation(sc, schema.DecorateKey([]byte(key)))
	m.Partition.ApplyTombstone(partition.Tombstone{
		Timestamp: writeTimestamp(r),
		DeletedAt: types.DeletionTime(time.Now().Unix()),
	})
	if err := s.table.Apply(m); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.table.Flush(r.Context()); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}
	s.table.Cache().Invalidate(schema.DecorateKey([]byte(key)))
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
