package task_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aliskhannn/himawari-tiler/internal/api/handlers/task"
	"github.com/aliskhannn/himawari-tiler/internal/api/router"
	"github.com/aliskhannn/himawari-tiler/internal/composite"
	"github.com/aliskhannn/himawari-tiler/internal/model"
	repo "github.com/aliskhannn/himawari-tiler/internal/repository/task"
	service "github.com/aliskhannn/himawari-tiler/internal/service/task"
)

func newRouter(t *testing.T) http.Handler {
	t.Helper()

	cat, err := composite.NewCatalog(
		model.CompositeSpec{
			Name:       "ir_clouds",
			Priority:   8,
			Channels:   []model.Channel{{Band: 13, Min: 180, Max: 320, Invert: true}},
			Bounds:     model.Bounds{120, -20, 160, 20},
			Resolution: 1,
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	return router.Setup(task.NewHandler(service.NewService(repo.NewMemoryRepository(), cat, nil)))
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, map[string]json.RawMessage) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, out
}

func result(t *testing.T, body map[string]json.RawMessage) task.TaskResponse {
	t.Helper()

	var resp task.TaskResponse
	if err := json.Unmarshal(body["result"], &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

const createBody = `{"scene_timestamp":"2025-04-20T04:03:00Z","composite_name":"ir_clouds","priority":8}`

func TestCreateThenExisting(t *testing.T) {
	h := newRouter(t)

	code, body := do(t, h, http.MethodPost, "/api/tasks", createBody)
	if code != http.StatusCreated {
		t.Fatalf("first create = %d", code)
	}
	first := result(t, body)
	if first.SceneTimestamp != "2025-04-20T04:00:00" || first.Status != "pending" {
		t.Fatalf("unexpected task %+v", first)
	}

	code, body = do(t, h, http.MethodPost, "/api/tasks", createBody)
	if code != http.StatusOK {
		t.Fatalf("second create = %d", code)
	}
	if second := result(t, body); second.ID != first.ID {
		t.Fatalf("second create returned %s, want %s", second.ID, first.ID)
	}

	code, body = do(t, h, http.MethodGet, "/api/tasks/"+first.ID, "")
	if code != http.StatusOK || result(t, body).ID != first.ID {
		t.Fatalf("get = %d", code)
	}
}

func TestCreateRejectsBadRequests(t *testing.T) {
	h := newRouter(t)

	cases := map[string]string{
		"malformed":         `{"scene_timestamp":`,
		"missing composite": `{"scene_timestamp":"2025-04-20T04:00:00"}`,
		"bad timestamp":     `{"scene_timestamp":"yesterday","composite_name":"ir_clouds"}`,
		"unknown composite": `{"scene_timestamp":"2025-04-20T04:00:00","composite_name":"rainbow"}`,
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			code, body := do(t, h, http.MethodPost, "/api/tasks", b)
			if code != http.StatusBadRequest {
				t.Fatalf("code = %d", code)
			}
			if len(body["message"]) == 0 {
				t.Fatal("missing message")
			}
		})
	}
}

func TestClaimAndUpdate(t *testing.T) {
	h := newRouter(t)

	_, body := do(t, h, http.MethodPost, "/api/tasks", createBody)
	id := result(t, body).ID

	if code, _ := do(t, h, http.MethodPost, "/api/tasks/"+id+"/claim", `{}`); code != http.StatusBadRequest {
		t.Fatalf("claim without worker = %d", code)
	}

	code, body := do(t, h, http.MethodPost, "/api/tasks/"+id+"/claim", `{"worker_id":"w1"}`)
	if code != http.StatusOK {
		t.Fatalf("claim = %d", code)
	}
	if got := result(t, body); got.Status != "in_progress" || got.WorkerID != "w1" {
		t.Fatalf("claimed task %+v", got)
	}

	if code, _ := do(t, h, http.MethodPost, "/api/tasks/"+id+"/claim", `{"worker_id":"w2"}`); code != http.StatusConflict {
		t.Fatalf("second claim = %d", code)
	}

	if code, _ := do(t, h, http.MethodPut, "/api/tasks/"+id, `{"status":"in_progress","worker_id":"w2","attempts":1}`); code != http.StatusConflict {
		t.Fatalf("update from another worker = %d", code)
	}

	code, body = do(t, h, http.MethodPut, "/api/tasks/"+id, `{"status":"in_progress","error":"boom","worker_id":"w1","attempts":1,"priority":9}`)
	if code != http.StatusOK {
		t.Fatalf("retry report = %d", code)
	}
	if got := result(t, body); got.Status != "in_progress" || got.Priority != 9 {
		t.Fatalf("task after retry report %+v", got)
	}

	code, body = do(t, h, http.MethodPut, "/api/tasks/"+id, `{"status":"failed","error":"boom","worker_id":"w1","attempts":3}`)
	if code != http.StatusOK {
		t.Fatalf("update = %d", code)
	}
	got := result(t, body)
	if got.Status != "failed" || got.Attempts != 3 || got.LastError == nil || *got.LastError != "boom" {
		t.Fatalf("updated task %+v", got)
	}

	if code, _ := do(t, h, http.MethodPut, "/api/tasks/"+id, `{"status":"completed"}`); code != http.StatusConflict {
		t.Fatalf("update of terminal task = %d", code)
	}
	if code, _ := do(t, h, http.MethodPut, "/api/tasks/"+id, `{"status":"done"}`); code != http.StatusBadRequest {
		t.Fatalf("update with bad status = %d", code)
	}
	if code, _ := do(t, h, http.MethodPut, "/api/tasks/nope", `{"status":"completed"}`); code != http.StatusNotFound {
		t.Fatalf("update of missing task = %d", code)
	}
}

func TestListFilters(t *testing.T) {
	h := newRouter(t)

	do(t, h, http.MethodPost, "/api/tasks", createBody)
	do(t, h, http.MethodPost, "/api/tasks", `{"scene_timestamp":"2025-04-20T04:10:00","composite_name":"ir_clouds","priority":8}`)

	code, body := do(t, h, http.MethodGet, "/api/tasks?status=pending&since=2025-04-20T04:10:00", "")
	if code != http.StatusOK {
		t.Fatalf("list = %d", code)
	}
	var tasks []task.TaskResponse
	if err := json.Unmarshal(body["result"], &tasks); err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].SceneTimestamp != "2025-04-20T04:10:00" {
		t.Fatalf("filtered list = %+v", tasks)
	}

	for _, q := range []string{"status=done", "since=later", "limit=-1"} {
		if code, _ := do(t, h, http.MethodGet, "/api/tasks?"+q, ""); code != http.StatusBadRequest {
			t.Fatalf("list %s = %d", q, code)
		}
	}
}

func TestHealth(t *testing.T) {
	code, body := do(t, newRouter(t), http.MethodGet, "/health", "")
	if code != http.StatusOK || !strings.Contains(string(body["result"]), "ok") {
		t.Fatalf("health = %d %s", code, body["result"])
	}
}
