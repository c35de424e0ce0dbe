package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"presencewatch/internal/config"
	"presencewatch/internal/engine"
	"presencewatch/internal/export"
	"presencewatch/internal/feed"
	"presencewatch/internal/metrics"
	"presencewatch/internal/model"
	"presencewatch/internal/sink"
	"presencewatch/internal/storage"
	"presencewatch/internal/timeline"
)

type EngineControl interface {
	Reset()
	UpdateConfig(cfg *config.Config)
	Status() engine.Status
}

type SinkStats interface {
	Stats() sink.Stats
}

// Deps are the components the API reads from. Nil members disable the
// routes that need them.
type Deps struct {
	Config   *config.Manager
	Metrics  *metrics.Store
	Timeline *timeline.Store
	Engine   EngineControl
	Feed     *feed.Listener
	Store    storage.Store
	Sink     SinkStats
	Logger   *slog.Logger
	Version  string
}

type Server struct {
	Deps
}

type statusResponse struct {
	Status     string        `json:"status"`
	Time       string        `json:"time"`
	Version    string        `json:"version"`
	ConfigPath string        `json:"config_path"`
	Engine     engine.Status `json:"engine"`
	Ingest     ingestStatus  `json:"ingest"`
	Sink       *sink.Stats   `json:"sink,omitempty"`
	Feed       bool          `json:"feed"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	TCPStream bool `json:"tcp_stream"`
	FileTail  bool `json:"file_tail"`
	Serial    bool `json:"serial"`
	Kafka     bool `json:"kafka"`
	MQTT      bool `json:"mqtt"`
	BLE       bool `json:"ble"`
}

func NewServer(deps Deps) *Server {
	return &Server{Deps: deps}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/presence", s.handlePresence)
	mux.HandleFunc("/presence/ws", s.handlePresenceWS)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/", s.handleMetrics)
	mux.HandleFunc("/observations", s.handleObservations)
	mux.HandleFunc("/observations.xlsx", s.handleObservationsXLSX)
	mux.HandleFunc("/config/region", s.handleRegion)
	mux.HandleFunc("/admin/clear", s.handleClear)
	mux.HandleFunc("/admin/restart", s.handleRestart)
	mux.HandleFunc("/classify", s.handleClassify)
	return mux
}

func Start(ctx context.Context, deps Deps) *http.Server {
	if deps.Config == nil {
		return nil
	}
	logger := deps.Logger
	current := deps.Config.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewServer(deps).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.Config.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.Version,
		ConfigPath: s.Config.Path(),
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			Serial:    cfg.Ingest.Serial.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
			MQTT:      cfg.Ingest.MQTT.Enabled,
			BLE:       cfg.Ingest.BLE.Enabled,
		},
		Feed: s.Feed != nil,
	}
	if s.Engine != nil {
		resp.Engine = s.Engine.Status()
	}
	if s.Sink != nil {
		st := s.Sink.Stats()
		resp.Sink = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Feed == nil {
		writeError(w, http.StatusNotFound, "feed disabled")
		return
	}
	list := s.Feed.Tracker().Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"presence": list,
		"count":    len(list),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Metrics == nil {
		writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	subject := strings.TrimPrefix(r.URL.Path, "/metrics")
	subject = strings.TrimPrefix(subject, "/")
	if subject != "" {
		stats, windows, ok := s.Metrics.Get(strings.ToLower(subject))
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"subject": stats.Subject,
			"windows": windows,
			"latest":  stats,
		})
		return
	}
	all := s.Metrics.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": all,
		"count":   len(all),
	})
}

// listObservations reads the persisted history when a store is configured
// and the in-memory timeline otherwise.
func (s *Server) listObservations(r *http.Request, defaultLimit int) ([]model.Observation, int, string) {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, http.StatusBadRequest, "invalid limit"
		}
		limit = n
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, http.StatusBadRequest, "since must be RFC 3339"
		}
		since = ts
	}
	if s.Store != nil {
		list, err := s.Store.ListObservations(r.Context(), storage.Query{Since: since, Limit: limit})
		if err != nil {
			if s.Logger != nil {
				s.Logger.Error("list observations failed", "err", err)
			}
			return nil, http.StatusInternalServerError, "storage error"
		}
		return list, http.StatusOK, ""
	}
	if s.Timeline == nil {
		return []model.Observation{}, http.StatusOK, ""
	}
	if !since.IsZero() {
		list := s.Timeline.Since(since)
		if limit > 0 && len(list) > limit {
			list = list[:limit]
		}
		return list, http.StatusOK, ""
	}
	return s.Timeline.List(limit), http.StatusOK, ""
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	list, status, msg := s.listObservations(r, 0)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"observations": list,
		"count":        len(list),
	})
}

func (s *Server) handleObservationsXLSX(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	list, status, msg := s.listObservations(r, 10000)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return
	}
	data, err := export.Observations(list)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Error("export observations failed", "err", err)
		}
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="observations.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type regionRequest struct {
	Identifier string    `json:"identifier"`
	TargetUUID string    `json:"target_uuid"`
	Majors     *[]int    `json:"majors"`
	Minors     *[]int    `json:"minors"`
	Blocked    *[]string `json:"blocked"`
	Window     string    `json:"window"`
}

// handleRegion edits the transmitter filter and the dwell window. The
// region identity is fixed while the process runs.
func (s *Server) handleRegion(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg := s.Config.Get()
		writeJSON(w, http.StatusOK, map[string]any{
			"region": cfg.Region,
			"window": cfg.Ranging.Window.String(),
		})
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var req regionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		current := s.Config.Get()
		if req.TargetUUID != "" && !sameUUID(req.TargetUUID, current.Region.TargetUUID) {
			writeError(w, http.StatusConflict, "target_uuid cannot change while running")
			return
		}
		if req.Identifier != "" && req.Identifier != current.Region.Identifier {
			writeError(w, http.StatusConflict, "identifier cannot change while running")
			return
		}
		next := *current
		// Omitted lists keep their current value; an explicit [] clears.
		if req.Majors != nil {
			next.Region.Majors = *req.Majors
		}
		if req.Minors != nil {
			next.Region.Minors = *req.Minors
		}
		if req.Blocked != nil {
			next.Region.Blocked = sanitizeList(*req.Blocked)
		}
		if req.Window != "" {
			d, err := time.ParseDuration(req.Window)
			if err != nil || d <= 0 {
				writeError(w, http.StatusBadRequest, "invalid window")
				return
			}
			next.Ranging.Window = d
		}
		if err := s.Config.Update(&next); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if s.Engine != nil {
			s.Engine.UpdateConfig(&next)
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.clearMetrics()
		s.clearTimeline()
		s.clearPresence()
	case "metrics":
		s.clearMetrics()
	case "timeline", "observations":
		s.clearTimeline()
	case "presence":
		s.clearPresence()
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleRestart forces the monitor back to OUTSIDE and drops in-memory
// state. Persisted observations are kept.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Engine != nil {
		s.Engine.Reset()
	}
	s.clearMetrics()
	s.clearTimeline()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	score, err := strconv.ParseFloat(r.URL.Query().Get("score"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "score must be a number")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"score":  score,
		"level":  engine.ClassifyActivity(score),
		"levels": engine.ActivityLevels(),
	})
}

func (s *Server) clearMetrics() {
	if s.Metrics != nil {
		s.Metrics.Clear()
	}
}

func (s *Server) clearTimeline() {
	if s.Timeline != nil {
		s.Timeline.Clear()
	}
}

func (s *Server) clearPresence() {
	if s.Feed != nil {
		s.Feed.Tracker().Clear()
	}
}

func sameUUID(a, b string) bool {
	ua, errA := uuid.Parse(strings.TrimSpace(a))
	ub, errB := uuid.Parse(strings.TrimSpace(b))
	if errA != nil || errB != nil {
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	return ua == ub
}

func sanitizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
