package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shaiso/Tokenflow/internal/jobs"
)

func TestHTTPBody_StoresResponse(t *testing.T) {
	var gotMethod, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"approved": true})
	}))
	defer srv.Close()

	f := newFixture(t, 1)
	ctx := context.Background()
	f.rt.RegisterHandler(HTTPJobType, HTTPBody(srv.Client()))

	exec, _ := f.rt.StartProcess(ctx, "callService", nil, false)
	_, err := f.rt.ScheduleAsync(ctx, exec.ID, JobSpec{
		Type: HTTPJobType,
		Payload: map[string]any{
			"method":          "POST",
			"url":             srv.URL,
			"body":            map[string]any{"order": 42},
			"result_variable": "response",
			"next":            "review",
		},
	})
	if err != nil {
		t.Fatalf("ScheduleAsync: %v", err)
	}

	if n := f.drain(t); n != 1 {
		t.Fatalf("processed %d, want 1", n)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
	if gotContentType != "application/json" {
		t.Errorf("content type = %q", gotContentType)
	}

	v, ok, err := f.rt.Tree().Get(exec.ScopeID, "response")
	if err != nil || !ok {
		t.Fatalf("response variable: ok=%v err=%v", ok, err)
	}
	resp := v.(map[string]any)
	if resp["status_code"] != http.StatusOK {
		t.Errorf("status_code = %v", resp["status_code"])
	}
	body := resp["body"].(map[string]any)
	if body["approved"] != true {
		t.Errorf("body = %v", body)
	}

	current, _ := f.rt.Executions().Get(exec.ID)
	if current.ActivityRef != "review" {
		t.Errorf("activity ref = %q, want review", current.ActivityRef)
	}
}

func TestHTTPBody_ServerErrorFailsAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t, 1)
	ctx := context.Background()
	f.rt.RegisterHandler(HTTPJobType, HTTPBody(srv.Client()))

	exec, _ := f.rt.StartProcess(ctx, "callService", nil, false)
	job, err := f.rt.ScheduleAsync(ctx, exec.ID, JobSpec{
		Type:    HTTPJobType,
		Payload: map[string]any{"url": srv.URL, "next": "review"},
	})
	if err != nil {
		t.Fatalf("ScheduleAsync: %v", err)
	}
	f.drain(t)

	got, err := f.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Retries != 2 {
		t.Errorf("retries = %d, want 2", got.Retries)
	}
	if !got.HasException() {
		t.Error("exception message must be recorded")
	}

	current, _ := f.rt.Executions().Get(exec.ID)
	if current.ActivityRef != "callService" {
		t.Errorf("activity ref = %q, want callService", current.ActivityRef)
	}
	if f.count(t, jobs.Query{WithException: true}) != 1 {
		t.Error("job with exception expected")
	}
}

func TestHTTPBody_MissingURL(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.rt.RegisterHandler(HTTPJobType, HTTPBody(nil))

	exec, _ := f.rt.StartProcess(ctx, "callService", nil, false)
	job, _ := f.rt.ScheduleAsync(ctx, exec.ID, JobSpec{Type: HTTPJobType, MaxRetries: 1})
	f.drain(t)

	got, err := f.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Retries != 0 {
		t.Errorf("retries = %d, want 0", got.Retries)
	}
}

func TestHTTPBody_RendersPayloadTemplates(t *testing.T) {
	var gotPath, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Attempt")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := newFixture(t, 1)
	ctx := context.Background()
	f.rt.RegisterHandler(HTTPJobType, HTTPBody(srv.Client()))

	exec, _ := f.rt.StartProcess(ctx, "callService", map[string]any{"orderId": "A-17"}, false)
	_, err := f.rt.ScheduleAsync(ctx, exec.ID, JobSpec{
		Type: HTTPJobType,
		Payload: map[string]any{
			"url":     srv.URL + "/orders/{{ .Vars.orderId | lower }}",
			"headers": map[string]any{"X-Attempt": "{{ .Job.Retries }}"},
		},
	})
	if err != nil {
		t.Fatalf("ScheduleAsync: %v", err)
	}
	if n := f.drain(t); n != 1 {
		t.Fatalf("processed %d, want 1", n)
	}

	if gotPath != "/orders/a-17" {
		t.Errorf("path = %q, want /orders/a-17", gotPath)
	}
	if gotHeader != "3" {
		t.Errorf("X-Attempt = %q, want 3", gotHeader)
	}
}

func TestHTTPBody_BrokenTemplateIsFatal(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.rt.RegisterHandler(HTTPJobType, HTTPBody(nil))

	exec, _ := f.rt.StartProcess(ctx, "callService", nil, false)
	job, _ := f.rt.ScheduleAsync(ctx, exec.ID, JobSpec{
		Type:       HTTPJobType,
		MaxRetries: 5,
		Payload:    map[string]any{"url": "http://localhost/{{ .Vars.id "},
	})
	f.drain(t)

	got, err := f.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Retries != 0 {
		t.Errorf("retries = %d, broken template must exhaust the job", got.Retries)
	}
}
