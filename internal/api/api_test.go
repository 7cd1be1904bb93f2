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

	libconstants "github.com/filswan/go-swan-lib/constants"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lagrangedao/go-compute-market/constants"
	"github.com/lagrangedao/go-compute-market/internal/chain"
	"github.com/lagrangedao/go-compute-market/internal/eventbus"
	"github.com/lagrangedao/go-compute-market/internal/ledger"
	"github.com/lagrangedao/go-compute-market/internal/market"
	"github.com/lagrangedao/go-compute-market/internal/matcher"
	"github.com/lagrangedao/go-compute-market/internal/metrics"
	"github.com/lagrangedao/go-compute-market/internal/models"
	"github.com/lagrangedao/go-compute-market/internal/scheduler"
	"github.com/lagrangedao/go-compute-market/internal/settlement"
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Status  string          `json:"status"`
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func newTestRouter(t *testing.T) (*gin.Engine, *market.Engine) {
	t.Helper()
	l := ledger.NewMemoryLedger()
	bus := eventbus.New()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sim := chain.NewSimulated(1, 1000)
	coord := settlement.NewCoordinator(l, sim, bus, m, settlement.DefaultConfig(),
		settlement.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	s := scheduler.New(l, matcher.New(nil), coord, bus, m, scheduler.Config{})
	e := market.NewEngine(l, s, coord, bus, m, market.Config{Node: models.NodeInfo{NodeID: "node-1", Version: "test"}})
	t.Cleanup(func() {
		e.Close()
		bus.Close()
	})
	return NewRouter(e, reg), e
}

func do(t *testing.T, r http.Handler, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, constants.API_BASE_PATH+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: bad body %q: %v", method, path, w.Body.String(), err)
	}
	return w.Code, env
}

func createdID(t *testing.T, env envelope) string {
	t.Helper()
	var out CreatedResp
	if err := json.Unmarshal(env.Data, &out); err != nil || out.ID == "" {
		t.Fatalf("no id in %s: %v", env.Data, err)
	}
	return out.ID
}

func TestTaskEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)

	code, env := do(t, r, http.MethodPost, "/tasks", SubmitTaskReq{Description: "train", RequiredGpu: 2, Owner: "alice"})
	if code != http.StatusOK || env.Status != libconstants.SWAN_API_STATUS_SUCCESS {
		t.Fatalf("submit: %d %+v", code, env)
	}
	id := createdID(t, env)

	code, env = do(t, r, http.MethodGet, "/tasks/"+id, nil)
	if code != http.StatusOK {
		t.Fatalf("get: %d %+v", code, env)
	}
	var task models.Task
	if err := json.Unmarshal(env.Data, &task); err != nil {
		t.Fatal(err)
	}
	if task.ID != id || task.Status != models.TaskPending || task.DurationHours != 1 {
		t.Fatalf("unexpected task %+v", task)
	}

	code, env = do(t, r, http.MethodGet, "/tasks?status=pending", nil)
	var tasks []models.Task
	if err := json.Unmarshal(env.Data, &tasks); err != nil || code != http.StatusOK || len(tasks) != 1 {
		t.Fatalf("list: %d %s %v", code, env.Data, err)
	}

	code, env = do(t, r, http.MethodDelete, "/tasks/"+id, nil)
	if code != http.StatusBadRequest || env.Code != 4004 {
		t.Fatalf("cancel without owner: %d %+v", code, env)
	}
	code, env = do(t, r, http.MethodDelete, "/tasks/"+id+"?owner=mallory", nil)
	if code != http.StatusForbidden || env.Code != 4006 {
		t.Fatalf("cancel by other owner: %d %+v", code, env)
	}
	code, env = do(t, r, http.MethodDelete, "/tasks/"+id+"?owner=alice", nil)
	if code != http.StatusOK {
		t.Fatalf("cancel: %d %+v", code, env)
	}
	if err := json.Unmarshal(env.Data, &task); err != nil || task.Status != models.TaskCancelled {
		t.Fatalf("expected cancelled task, got %+v %v", task, err)
	}
}

func TestErrorMapping(t *testing.T) {
	r, _ := newTestRouter(t)
	cases := []struct {
		name       string
		method     string
		path       string
		body       interface{}
		wantStatus int
		wantCode   int
	}{
		{"missing task", http.MethodGet, "/tasks/nope", nil, http.StatusNotFound, 4001},
		{"missing resource", http.MethodGet, "/resources/nope", nil, http.StatusNotFound, 4002},
		{"missing settlement", http.MethodGet, "/settlements/nope", nil, http.StatusNotFound, 4003},
		{"missing reservation", http.MethodGet, "/reservations/nope", nil, http.StatusNotFound, 4007},
		{"bad json", http.MethodPost, "/tasks", "{", http.StatusBadRequest, 400},
		{"zero gpu", http.MethodPost, "/tasks", SubmitTaskReq{Owner: "alice"}, http.StatusBadRequest, 4004},
		{"bad status filter", http.MethodGet, "/tasks?status=running", nil, http.StatusBadRequest, 4004},
		{"zero total", http.MethodPost, "/resources", RegisterResourceReq{Provider: "p"}, http.StatusBadRequest, 4004},
		{"cancel missing", http.MethodDelete, "/tasks/nope?owner=alice", nil, http.StatusNotFound, 4001},
		{"cancel without owner", http.MethodDelete, "/tasks/nope", nil, http.StatusBadRequest, 4004},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, env := do(t, r, tc.method, tc.path, tc.body)
			if code != tc.wantStatus || env.Code != tc.wantCode || env.Status != libconstants.SWAN_API_STATUS_FAIL {
				t.Fatalf("got %d %+v, want %d code %d", code, env, tc.wantStatus, tc.wantCode)
			}
		})
	}
}

func TestCancelCompletedTaskConflicts(t *testing.T) {
	r, e := newTestRouter(t)
	ctx := context.Background()

	_, env := do(t, r, http.MethodPost, "/resources", RegisterResourceReq{Provider: "p1", TotalGpu: 2, PricePerGpuHour: 1})
	resID := createdID(t, env)
	_, env = do(t, r, http.MethodPost, "/tasks", SubmitTaskReq{RequiredGpu: 1, Owner: "alice"})
	taskID := createdID(t, env)

	done := e.SubscribeEvents(ctx, eventbus.And(eventbus.ByTask(taskID), eventbus.ByType(models.EventTaskCompleted)))
	e.RunOnce(ctx)
	var ev models.Event
	select {
	case ev = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("task never completed")
	}

	code, env := do(t, r, http.MethodDelete, "/tasks/"+taskID+"?owner=alice", nil)
	if code != http.StatusConflict || env.Code != 4005 {
		t.Fatalf("expected conflict, got %d %+v", code, env)
	}

	code, env = do(t, r, http.MethodGet, "/settlements/"+ev.ReservationID, nil)
	var rec models.SettlementRecord
	if err := json.Unmarshal(env.Data, &rec); err != nil || code != http.StatusOK || rec.State != models.SettlementConfirmed {
		t.Fatalf("settlement: %d %+v %v", code, rec, err)
	}
	code, env = do(t, r, http.MethodGet, "/resources/"+resID, nil)
	var res models.GPUResource
	if err := json.Unmarshal(env.Data, &res); err != nil || code != http.StatusOK || res.AvailableGpu != 1 {
		t.Fatalf("resource: %d %+v %v", code, res, err)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	r, _ := newTestRouter(t)
	code, env := do(t, r, http.MethodGet, "/health", nil)
	var info models.NodeInfo
	if err := json.Unmarshal(env.Data, &info); err != nil || code != http.StatusOK || info.NodeID != "node-1" {
		t.Fatalf("health: %d %+v %v", code, info, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "market_") {
		t.Fatalf("metrics: %d", w.Code)
	}
}

func TestEventStream(t *testing.T) {
	r, e := newTestRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + constants.API_BASE_PATH + "/events?type=task.submitted"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// the subscription is registered after the upgrade; retry until it is live
	deadline := time.Now().Add(5 * time.Second)
	conn.SetReadDeadline(deadline)
	got := make(chan models.Event, 1)
	go func() {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err == nil {
			got <- ev
		}
	}()
	for time.Now().Before(deadline) {
		if _, err := e.RegisterResource(context.Background(), 1, "p1", 1); err != nil {
			t.Fatal(err)
		}
		if _, err := e.SubmitTask(context.Background(), "x", 1, "alice", 1); err != nil {
			t.Fatal(err)
		}
		select {
		case ev := <-got:
			if ev.Type != models.EventTaskSubmitted || ev.TaskID == "" {
				t.Fatalf("unexpected event %+v", ev)
			}
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	t.Fatalf("no event received")
}
