package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lagrangedao/go-compute-market/constants"
	"github.com/lagrangedao/go-compute-market/internal/models"
)

func TestClientDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case constants.API_BASE_PATH + "/tasks/t1":
			w.Write([]byte(`{"status":"success","code":200,"data":{"id":"t1","status":"Pending","required_gpu":2}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"status":"fail","code":4001,"message":"Task not found"}`))
		}
	}))
	defer srv.Close()

	c := &marketClient{base: srv.URL + constants.API_BASE_PATH, http: srv.Client()}
	var task models.Task
	if err := c.call(http.MethodGet, "/tasks/t1", nil, &task); err != nil {
		t.Fatalf("call: %v", err)
	}
	if task.ID != "t1" || task.Status != models.TaskPending || task.RequiredGpu != 2 {
		t.Fatalf("unexpected task %+v", task)
	}

	err := c.call(http.MethodGet, "/tasks/missing", nil, &task)
	if err == nil || !strings.Contains(err.Error(), "4001") {
		t.Fatalf("expected envelope error, got %v", err)
	}
}

func TestFormatEvent(t *testing.T) {
	ev := models.Event{
		Type:          models.EventTaskFailed,
		TaskID:        "t1",
		ReservationID: "r1",
		ErrorKind:     models.ErrKindSettlementPermanent,
		Message:       "no funds",
		At:            time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	got := formatEvent(ev)
	for _, want := range []string{"task.failed", "task=t1", "reservation=r1", "error=" + string(models.ErrKindSettlementPermanent), `"no funds"`} {
		if !strings.Contains(got, want) {
			t.Fatalf("%q missing %q", got, want)
		}
	}
}

func TestStatusColor(t *testing.T) {
	if _, ok := statusColor(0, 1, "Pending"); ok {
		t.Fatalf("pending should not be coloured")
	}
	rc, ok := statusColor(2, 3, "Completed")
	if !ok || rc.row != 2 || rc.column[0] != 3 {
		t.Fatalf("unexpected colour %+v", rc)
	}
}
