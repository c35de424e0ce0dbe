package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presencewatch/internal/config"
	"presencewatch/internal/engine"
	"presencewatch/internal/feed"
	"presencewatch/internal/metrics"
	"presencewatch/internal/model"
	"presencewatch/internal/sink"
	"presencewatch/internal/storage"
	"presencewatch/internal/timeline"
)

type fakeEngine struct {
	resets  int
	updated []*config.Config
}

func (f *fakeEngine) Reset()                          { f.resets++ }
func (f *fakeEngine) UpdateConfig(cfg *config.Config) { f.updated = append(f.updated, cfg) }
func (f *fakeEngine) Status() engine.Status {
	return engine.Status{Phase: "connected", State: model.Inside.String()}
}

func newTestDeps() (Deps, *fakeEngine) {
	eng := &fakeEngine{}
	return Deps{
		Config:   config.NewStaticManager(config.DefaultConfig()),
		Metrics:  metrics.NewStore(10),
		Timeline: timeline.NewStore(10),
		Engine:   eng,
		Version:  "test",
	}, eng
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestStatus(t *testing.T) {
	deps, _ := newTestDeps()
	h := NewServer(deps).Handler()

	rec := do(t, h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "INSIDE", body["engine"].(map[string]any)["state"])
	assert.Equal(t, true, body["ingest"].(map[string]any)["rest"])

	rec = do(t, h, http.MethodPost, "/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusIncludesSinkStats(t *testing.T) {
	deps, _ := newTestDeps()
	deps.Sink = sink.NewDispatcher(4, time.Second, nil)
	rec := do(t, NewServer(deps).Handler(), http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode(t, rec), "sink")
}

func TestClassify(t *testing.T) {
	deps, _ := newTestDeps()
	h := NewServer(deps).Handler()

	tests := []struct {
		score string
		key   string
	}{
		{"0", "resting"},
		{"4.2", "light_activity"},
		{"7", "light_activity"},
		{"10", "active"},
		{"10.01", "very_active"},
		{"-1", "away"},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodGet, "/classify?score="+tt.score, "")
		require.Equal(t, http.StatusOK, rec.Code, tt.score)
		level := decode(t, rec)["level"].(map[string]any)
		assert.Equal(t, tt.key, level["key"], tt.score)
	}

	rec := do(t, h, http.MethodGet, "/classify?score=loud", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetrics(t *testing.T) {
	deps, _ := newTestDeps()
	deps.Metrics.Update(model.WindowStats{Subject: "2edb0100-022a-468c-a7cc-d3e066206d59", Samples: 3, Score: 5, Level: engine.LevelLight})
	h := NewServer(deps).Handler()

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = do(t, h, http.MethodGet, "/metrics/2EDB0100-022A-468C-A7CC-D3E066206D59", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["windows"])

	rec = do(t, h, http.MethodGet, "/metrics/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestObservationsFromTimeline(t *testing.T) {
	deps, _ := newTestDeps()
	deps.Timeline.Add(model.Observation{UUID: "u", State: model.StateEnter})
	deps.Timeline.Add(model.Observation{UUID: "u", State: model.StateDwell, SD: 2})
	deps.Timeline.Add(model.Observation{UUID: "u", State: model.StateExit})
	h := NewServer(deps).Handler()

	rec := do(t, h, http.MethodGet, "/observations?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["count"])

	rec = do(t, h, http.MethodGet, "/observations?limit=-3", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodGet, "/observations?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func newSQLite(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestObservationsFromStore(t *testing.T) {
	deps, _ := newTestDeps()
	deps.Store = newSQLite(t)
	ctx := context.Background()
	for _, state := range []model.PresenceState{model.StateEnter, model.StateDwell, model.StateExit} {
		_, err := deps.Store.SaveObservation(ctx, model.Observation{UUID: "u", State: state})
		require.NoError(t, err)
	}
	h := NewServer(deps).Handler()

	rec := do(t, h, http.MethodGet, "/observations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Observations []model.Observation `json:"observations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Observations, 3)
	assert.Equal(t, model.StateEnter, body.Observations[0].State)
	assert.False(t, body.Observations[0].Time.IsZero())

	rec = do(t, h, http.MethodGet, "/observations.xlsx", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "observations.xlsx")
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")))
}

func TestRegionUpdate(t *testing.T) {
	deps, eng := newTestDeps()
	h := NewServer(deps).Handler()

	rec := do(t, h, http.MethodPost, "/config/region", `{"majors":[1,2],"blocked":[" 2edb0100-022a-468c-a7cc-d3e066206d59:1:9 ",""],"window":"20s"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := deps.Config.Get()
	assert.Equal(t, []int{1, 2}, cfg.Region.Majors)
	assert.Equal(t, []string{"2edb0100-022a-468c-a7cc-d3e066206d59:1:9"}, cfg.Region.Blocked)
	assert.Equal(t, 20*time.Second, cfg.Ranging.Window)
	require.Len(t, eng.updated, 1)
	assert.Same(t, cfg, eng.updated[0])

	rec = do(t, h, http.MethodGet, "/config/region", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "20s", decode(t, rec)["window"])
}

func TestRegionUpdateKeepsOmittedLists(t *testing.T) {
	deps, _ := newTestDeps()
	h := NewServer(deps).Handler()

	rec := do(t, h, http.MethodPost, "/config/region", `{"majors":[3],"minors":[4],"blocked":["2edb0100-022a-468c-a7cc-d3e066206d59:3:9"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/config/region", `{"window":"15s"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := deps.Config.Get()
	assert.Equal(t, 15*time.Second, cfg.Ranging.Window)
	assert.Equal(t, []int{3}, cfg.Region.Majors)
	assert.Equal(t, []int{4}, cfg.Region.Minors)
	assert.Equal(t, []string{"2edb0100-022a-468c-a7cc-d3e066206d59:3:9"}, cfg.Region.Blocked)

	rec = do(t, h, http.MethodPost, "/config/region", `{"minors":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg = deps.Config.Get()
	assert.Empty(t, cfg.Region.Minors)
	assert.Equal(t, []int{3}, cfg.Region.Majors)
}

func TestRegionIdentityIsFixed(t *testing.T) {
	deps, eng := newTestDeps()
	h := NewServer(deps).Handler()

	rec := do(t, h, http.MethodPost, "/config/region", `{"target_uuid":"b9407f30-f5f8-466e-aff9-25556b57fe6d"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = do(t, h, http.MethodPost, "/config/region", `{"identifier":"office"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = do(t, h, http.MethodPost, "/config/region", `{"target_uuid":"2EDB0100-022A-468C-A7CC-D3E066206D59","majors":[7]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/config/region", `{"window":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, eng.updated, 1)
}

func TestClearAndRestart(t *testing.T) {
	deps, eng := newTestDeps()
	deps.Metrics.Update(model.WindowStats{Subject: "u"})
	deps.Timeline.Add(model.Observation{UUID: "u", State: model.StateEnter})
	h := NewServer(deps).Handler()

	rec := do(t, h, http.MethodPost, "/admin/clear", `{"target":"metrics"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, deps.Metrics.GetAll())
	assert.Equal(t, 1, deps.Timeline.Len())

	rec = do(t, h, http.MethodPost, "/admin/clear", `{"target":"everything"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/admin/restart", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, eng.resets)
	assert.Zero(t, deps.Timeline.Len())
}

func TestPresenceWithoutFeed(t *testing.T) {
	deps, _ := newTestDeps()
	h := NewServer(deps).Handler()
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/presence", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/presence/ws", "").Code)
}

func TestPresenceWebSocket(t *testing.T) {
	ctx := context.Background()
	store := newSQLite(t)
	w := sink.StorageWriter{Store: store}
	require.NoError(t, w.Write(ctx, model.Observation{UUID: "u", State: model.StateEnter}))

	listener := feed.NewListener(feed.StorageSource{Store: store}, feed.NewTracker(), time.Second, 10, nil)
	_, err := listener.Poll(ctx)
	require.NoError(t, err)

	deps, _ := newTestDeps()
	deps.Feed = listener
	srv := httptest.NewServer(NewServer(deps).Handler())
	defer srv.Close()

	rec := do(t, srv.Config.Handler, http.MethodGet, "/presence", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/presence/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg presenceMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "snapshot", msg.Type)
	require.Len(t, msg.Presence, 1)
	assert.Equal(t, feed.LevelHome, msg.Presence[0].Level)

	require.NoError(t, w.Write(ctx, model.Observation{UUID: "u", State: model.StateDwell, SD: 9}))
	n, err := listener.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "update", msg.Type)
	require.NotNil(t, msg.Update)
	assert.Equal(t, model.StateDwell, msg.Update.State)
	assert.Equal(t, engine.LevelActive, msg.Update.Level)
}
