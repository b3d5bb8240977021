// Package server exposes the data manager over HTTP for dashboard clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/withObsrvr/gridlens/internal/dataset"
	"github.com/withObsrvr/gridlens/internal/manager"
	"github.com/withObsrvr/gridlens/internal/source"
	"github.com/withObsrvr/gridlens/internal/status"
)

const (
	headerSource = "X-Gridlens-Source"
	headerState  = "X-Gridlens-Status"

	// statusClientClosedRequest reports a load canceled before it finished.
	statusClientClosedRequest = 499
)

// Service is the manager surface the server needs.
type Service interface {
	Datasets() []dataset.Descriptor
	LoadData(ctx context.Context, key string, opts manager.LoadOptions) ([]source.Row, error)
	RefreshData(ctx context.Context, key string, opts manager.LoadOptions) ([]source.Row, error)
	ExportData(key string, f manager.Format) ([]byte, error)
	SaveExport(ctx context.Context, key string, f manager.Format, now time.Time) (string, error)
	GetConnectionStatus(key string) (status.ConnectionStatus, bool)
	GetAllConnectionStatuses() map[string]status.ConnectionStatus
}

// Options configure the HTTP surface.
type Options struct {
	CORSOrigins []string
	Metrics     http.Handler // nil disables /metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// Server wraps HTTP handlers for the data manager.
type Server struct {
	svc  Service
	opts Options
	log  *slog.Logger
}

// New creates the HTTP server.
func New(svc Service, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{svc: svc, opts: opts, log: log.With("component", "server")}
}

// Handler returns the routed handler wrapped with CORS.
func (s *Server) Handler() http.Handler {
	r := httprouter.New()
	r.GET("/healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Handler(http.MethodGet, "/metrics", s.opts.Metrics)
	}
	r.GET("/api/v1/datasets", s.handleDatasets)
	r.GET("/api/v1/statuses", s.handleStatuses)
	r.GET("/api/v1/datasets/:key", s.handleLoad)
	r.POST("/api/v1/datasets/:key/refresh", s.handleRefresh)
	r.GET("/api/v1/datasets/:key/status", s.handleStatus)
	r.GET("/api/v1/datasets/:key/export", s.handleExport)
	r.POST("/api/v1/datasets/:key/export", s.handleSaveExport)

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{headerSource, headerState, "Content-Disposition"},
	})
	return c.Handler(r)
}

type datasetView struct {
	Key           string                   `json:"key"`
	Name          string                   `json:"name"`
	Description   string                   `json:"description"`
	Color         string                   `json:"color"`
	Icon          string                   `json:"icon"`
	EstimatedRows int                      `json:"estimatedRows"`
	Origin        string                   `json:"origin"`
	Status        *status.ConnectionStatus `json:"status,omitempty"`
}

type loadResponse struct {
	Dataset string                  `json:"dataset"`
	Rows    []source.Row            `json:"rows"`
	Status  status.ConnectionStatus `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleDatasets(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	descs := s.svc.Datasets()
	out := make([]datasetView, 0, len(descs))
	for _, d := range descs {
		v := datasetView{
			Key:           d.Key,
			Name:          d.Name,
			Description:   d.Description,
			Color:         d.Color,
			Icon:          d.Icon,
			EstimatedRows: d.EstimatedRows,
			Origin:        d.Origin,
		}
		if st, ok := s.svc.GetConnectionStatus(d.Key); ok {
			v.Status = &st
		}
		out = append(out, v)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatuses(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, s.svc.GetAllConnectionStatuses())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	key := ps.ByName("key")
	st, ok := s.svc.GetConnectionStatus(key)
	if !ok {
		http.Error(w, "dataset not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.load(w, r, ps.ByName("key"), s.svc.LoadData)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.load(w, r, ps.ByName("key"), s.svc.RefreshData)
}

type loadFunc func(ctx context.Context, key string, opts manager.LoadOptions) ([]source.Row, error)

func (s *Server) load(w http.ResponseWriter, r *http.Request, key string, fn loadFunc) {
	opts, err := parseLoadOptions(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The status returned is the one this load committed, not whatever a
	// newer load for the same key has published since.
	var st status.ConnectionStatus
	var committed bool
	opts.OnStatus = func(cs status.ConnectionStatus) {
		st, committed = cs, true
	}

	rows, err := fn(r.Context(), key, opts)
	if err != nil {
		s.writeError(w, key, err)
		return
	}
	if !committed {
		st, _ = s.svc.GetConnectionStatus(key)
	}
	if rows == nil {
		rows = []source.Row{}
	}

	w.Header().Set(headerSource, string(st.Source))
	w.Header().Set(headerState, string(st.State))
	s.writeJSON(w, http.StatusOK, loadResponse{Dataset: key, Rows: rows, Status: st})
}

func parseLoadOptions(r *http.Request) (manager.LoadOptions, error) {
	var opts manager.LoadOptions
	q := r.URL.Query()
	if v := q.Get("max_rows"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("invalid max_rows %q", v)
		}
		opts.MaxRows = n
	}
	if v := q.Get("force_stream"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("invalid force_stream %q", v)
		}
		opts.ForceStream = b
	}
	return opts, nil
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key := ps.ByName("key")
	f, err := manager.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.writeError(w, key, err)
		return
	}

	data, err := s.svc.ExportData(key, f)
	if err != nil {
		s.writeError(w, key, err)
		return
	}

	name := manager.FileName(key, f, s.opts.Now())
	w.Header().Set("Content-Type", f.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if st, ok := s.svc.GetConnectionStatus(key); ok {
		w.Header().Set(headerSource, string(st.Source))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleSaveExport(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key := ps.ByName("key")
	f, err := manager.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.writeError(w, key, err)
		return
	}

	name, err := s.svc.SaveExport(r.Context(), key, f, s.opts.Now())
	if err != nil {
		s.writeError(w, key, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"dataset": key, "file": name})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, manager.ErrUnknownDataset):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, manager.ErrExport):
		return http.StatusConflict
	case source.IsCanceled(err):
		return statusClientClosedRequest
	case errors.Is(err, manager.ErrUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, key string, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", "dataset", key, "error", err)
	} else {
		s.log.Debug("request rejected", "dataset", key, "status", code, "error", err)
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}
