package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sigitsurya7/koala-cbt-sub000/internal/config"
	"github.com/sigitsurya7/koala-cbt-sub000/internal/importer"
)

// fakeStore implements importer.Store without a database. failAt is the
// zero-based item index that fails the commit; -1 never fails.
type fakeStore struct {
	refs    *importer.ReferenceData
	refsErr error
	failAt  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		refs: &importer.ReferenceData{
			SchoolID:   "school-1",
			SchoolCode: "SMA01",
			Classes: map[string]string{
				"x ipa 1": "class-1",
			},
			Departments:    map[string]string{"science": "dept-1"},
			Subjects:       map[string]string{"mathematics": "subj-1"},
			AcademicYears:  map[string]string{"2024/2025": "year-1"},
			Periods:        map[string]string{},
			StudentNumbers: map[string]struct{}{},
			Usernames:      map[string]struct{}{},
		},
		failAt: -1,
	}
}

func (f *fakeStore) References(ctx context.Context, schoolID string) (*importer.ReferenceData, error) {
	if f.refsErr != nil {
		return nil, f.refsErr
	}
	return f.refs, nil
}

func (f *fakeStore) CommitBatch(ctx context.Context, kind importer.ImportKind, items []importer.PreparedItem, progress func(done int)) error {
	for i := range items {
		if i == f.failAt {
			return &importer.CommitError{Index: i, Err: errors.New("constraint violated")}
		}
		if progress != nil {
			progress(i + 1)
		}
	}
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Import: config.ImportConfig{
			MaxFileSize:   1 << 20,
			CommitTimeout: time.Minute,
		},
		Rate: config.RateLimitConfig{Enabled: false},
	}
}

func newTestServer(store importer.Store) (*Server, *importer.Service) {
	svc := importer.NewService(store, importer.Options{CommitTimeout: time.Minute})
	return NewServer(svc, testConfig(), nil), svc
}

func testItems(n int) []importer.PreparedItem {
	items := make([]importer.PreparedItem, n)
	for i := range items {
		items[i] = importer.PreparedItem{
			Row:  i + 2,
			Kind: importer.KindStudents,
			Student: &importer.PreparedStudent{
				SchoolID:      "school-1",
				FullName:      "Budi Santoso",
				StudentNumber: "2001",
				Username:      "sma01-2001",
				Password:      "Xy3#ab9Z",
				ClassID:       "class-1",
			},
		}
	}
	return items
}

func postJSON(t *testing.T, router http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// waitTerminal blocks until the job's listener channel closes, which
// only happens once the runner is done.
func waitTerminal(t *testing.T, svc *importer.Service, jobID string) {
	t.Helper()
	ch, err := svc.Subscribe(jobID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for range ch {
	}
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(newFakeStore())

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}

	down := NewServer(importer.NewService(newFakeStore(), importer.Options{}), testConfig(),
		func(ctx context.Context) error { return errors.New("down") })
	rec = httptest.NewRecorder()
	down.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status with failing ping = %d", rec.Code)
	}
}

func TestParseUpload(t *testing.T) {
	server, _ := newTestServer(newFakeStore())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "students.csv")
	fw.Write([]byte("full_name,student_number\nBudi,2001\n"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/import/parse", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Rows [][]string `json:"rows"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Rows) != 2 || resp.Rows[1][0] != "Budi" {
		t.Errorf("rows = %v", resp.Rows)
	}
}

func TestParseUploadMissingFile(t *testing.T) {
	server, _ := newTestServer(newFakeStore())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("note", "no file here")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/import/parse", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestValidate(t *testing.T) {
	server, _ := newTestServer(newFakeStore())

	rec := postJSON(t, server.Router(), "/import/validate", map[string]any{
		"schoolId": "school-1",
		"kind":     "students",
		"rows": [][]string{
			{"Budi Santoso", "2001", "X IPA 1"},
			{"", "2002", "X IPA 1"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var result importer.ValidateResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.OK {
		t.Error("batch with an empty name should not be ok")
	}
	if len(result.Items) != 1 || len(result.Errors) != 1 {
		t.Errorf("items = %d, errors = %d", len(result.Items), len(result.Errors))
	}
}

func TestValidateUnknownSchool(t *testing.T) {
	store := newFakeStore()
	store.refsErr = importer.ErrSchoolNotFound
	server, _ := newTestServer(store)

	rec := postJSON(t, server.Router(), "/import/validate", map[string]any{
		"schoolId": "nope",
		"kind":     "students",
		"rows":     [][]string{{"h"}, {"x"}},
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestValidateBadRequests(t *testing.T) {
	server, _ := newTestServer(newFakeStore())

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing school", map[string]any{"kind": "students", "rows": [][]string{{"h"}}}},
		{"bad kind", map[string]any{"schoolId": "school-1", "kind": "teachers", "rows": [][]string{{"h"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := postJSON(t, server.Router(), "/import/validate", tt.body); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d", rec.Code)
			}
		})
	}
}

func TestStartJobAndEvents(t *testing.T) {
	server, svc := newTestServer(newFakeStore())

	rec := postJSON(t, server.Router(), "/import/job/start", map[string]any{
		"kind":  "students",
		"items": testItems(3),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var start struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &start); err != nil {
		t.Fatalf("decode: %v", err)
	}

	waitTerminal(t, svc, start.JobID)

	// A subscriber after the job finished still gets the final snapshot
	// and a cleanly closed stream.
	req := httptest.NewRequest(http.MethodGet, "/import/job/events?jobId="+start.JobID, nil)
	rec = httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	body := rec.Body.String()
	if !strings.HasPrefix(body, "data: ") {
		t.Fatalf("body = %q", body)
	}
	var ev importer.ProgressEvent
	line := strings.TrimPrefix(strings.SplitN(body, "\n", 2)[0], "data: ")
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != "status" || ev.Status != importer.StatusCompleted || ev.Processed != 3 {
		t.Errorf("event = %+v", ev)
	}
}

func TestStartJobDuplicateBatchKey(t *testing.T) {
	server, svc := newTestServer(newFakeStore())

	body := map[string]any{"kind": "students", "items": testItems(2), "batchKey": "batch-1"}
	rec := postJSON(t, server.Router(), "/import/job/start", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var start struct {
		JobID string `json:"jobId"`
	}
	json.Unmarshal(rec.Body.Bytes(), &start)
	waitTerminal(t, svc, start.JobID)

	rec = postJSON(t, server.Router(), "/import/job/start", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d", rec.Code)
	}
	var dup struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &dup); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dup.JobID != start.JobID {
		t.Errorf("conflict returned job %q, want original %q", dup.JobID, start.JobID)
	}
}

func TestJobEventsUnknownJob(t *testing.T) {
	server, _ := newTestServer(newFakeStore())

	req := httptest.NewRequest(http.MethodGet, "/import/job/events?jobId=nope", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/import/job/events", nil)
	rec = httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status without jobId = %d", rec.Code)
	}
}

func TestCommitFallback(t *testing.T) {
	server, _ := newTestServer(newFakeStore())

	rec := postJSON(t, server.Router(), "/import/commit", map[string]any{
		"kind":  "students",
		"items": testItems(3),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp commitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || resp.Inserted != 3 {
		t.Errorf("response = %+v", resp)
	}
}

func TestCommitFallbackFailure(t *testing.T) {
	store := newFakeStore()
	store.failAt = 1
	server, _ := newTestServer(store)

	rec := postJSON(t, server.Router(), "/import/commit", map[string]any{
		"kind":  "students",
		"items": testItems(3),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp commitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OK || resp.Inserted != 0 || resp.Failed != 3 {
		t.Errorf("response = %+v", resp)
	}
	if resp.FailedIndex == nil || *resp.FailedIndex != 1 {
		t.Errorf("failedIndex = %v, want 1", resp.FailedIndex)
	}
}

func TestCommitFallbackDuplicateKey(t *testing.T) {
	server, _ := newTestServer(newFakeStore())

	body := map[string]any{"kind": "students", "items": testItems(1), "batchKey": "batch-9"}
	if rec := postJSON(t, server.Router(), "/import/commit", body); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := postJSON(t, server.Router(), "/import/commit", body); rec.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d", rec.Code)
	}
}

func TestJobErrorsOneShotDownload(t *testing.T) {
	store := newFakeStore()
	store.failAt = 0
	server, svc := newTestServer(store)

	rec := postJSON(t, server.Router(), "/import/job/start", map[string]any{
		"kind":  "students",
		"items": testItems(2),
	})
	var start struct {
		JobID string `json:"jobId"`
	}
	json.Unmarshal(rec.Body.Bytes(), &start)
	waitTerminal(t, svc, start.JobID)

	req := httptest.NewRequest(http.MethodGet, "/import/job/errors?jobId="+start.JobID, nil)
	rec2 := httptest.NewRecorder()
	server.Router().ServeHTTP(rec2, req)

	if rec2.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec2.Code, rec2.Body.String())
	}
	if ct := rec2.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("content type = %q", ct)
	}
	if cd := rec2.Header().Get("Content-Disposition"); !strings.Contains(cd, "import_errors_") {
		t.Errorf("content disposition = %q", cd)
	}
	if body := rec2.Body.String(); !strings.Contains(body, "row,message") || !strings.Contains(body, "2,") {
		t.Errorf("report body = %q", body)
	}

	// The download evicts the job.
	rec3 := httptest.NewRecorder()
	server.Router().ServeHTTP(rec3, httptest.NewRequest(http.MethodGet, "/import/job/errors?jobId="+start.JobID, nil))
	if rec3.Code != http.StatusNotFound {
		t.Errorf("second download status = %d, want 404", rec3.Code)
	}
}

func TestSampleDownload(t *testing.T) {
	server, _ := newTestServer(newFakeStore())

	req := httptest.NewRequest(http.MethodGet, "/import/sample?kind=questions", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "questions_template.csv") {
		t.Errorf("content disposition = %q", cd)
	}
	if !strings.Contains(rec.Body.String(), "answer_key") {
		t.Errorf("template = %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/import/sample?kind=teachers", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown kind status = %d", rec.Code)
	}
}

func TestStartJobRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Rate.Enabled = true
	cfg.Rate.RequestsPerMinute = 100
	cfg.Rate.StartPerMinute = 1
	svc := importer.NewService(newFakeStore(), importer.Options{CommitTimeout: time.Minute})
	server := NewServer(svc, cfg, nil)

	body := map[string]any{"kind": "students", "items": testItems(1)}
	if rec := postJSON(t, server.Router(), "/import/job/start", body); rec.Code != http.StatusOK {
		t.Fatalf("first start = %d", rec.Code)
	}
	if rec := postJSON(t, server.Router(), "/import/job/start", body); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second start = %d, want 429", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(2, time.Minute)

	if !rl.allow("1.2.3.4") || !rl.allow("1.2.3.4") {
		t.Fatal("first two requests should pass")
	}
	if rl.allow("1.2.3.4") {
		t.Error("third request should be limited")
	}
	if !rl.allow("5.6.7.8") {
		t.Error("other clients have their own bucket")
	}
}

func TestSecurityHeaders(t *testing.T) {
	server, _ := newTestServer(newFakeStore())

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}
