package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/yegors/voicejournal/internal/metrics"
	"github.com/yegors/voicejournal/internal/storage/blob"
	"github.com/yegors/voicejournal/internal/storage/sqlite"
	"github.com/yegors/voicejournal/pkg/logger"
)

const testOrigin = "https://journal.example"

type testAPI struct {
	handler     http.Handler
	users       *sqlite.UserStorage
	reflections *sqlite.ReflectionStorage
	jobs        *sqlite.JobStorage
	blobs       *blob.Store
	metrics     *metrics.Metrics
}

func newTestAPI(t *testing.T, maxUpload int64) *testAPI {
	t.Helper()
	log := logger.NewNop()

	db, err := sqlite.Open(":memory:", log)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	users, err := sqlite.NewUserStorage(db, log)
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	reflections, err := sqlite.NewReflectionStorage(db, log)
	if err != nil {
		t.Fatalf("reflections: %v", err)
	}
	jobs, err := sqlite.NewJobStorage(db, log)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	blobs, err := blob.NewStore(t.TempDir(), log)
	if err != nil {
		t.Fatalf("blobs: %v", err)
	}
	m := metrics.New()

	h := NewHandler(HandlerConfig{
		Reflections:    reflections,
		Jobs:           jobs,
		Audio:          blobs,
		Metrics:        m,
		MaxUploadBytes: maxUpload,
	}, log)
	router := NewRouter(h, RouterConfig{
		Users:          users,
		Metrics:        m,
		AllowedOrigins: []string{testOrigin},
	}, log)

	return &testAPI{
		handler:     router.Routes(),
		users:       users,
		reflections: reflections,
		jobs:        jobs,
		blobs:       blobs,
		metrics:     m,
	}
}

func (a *testAPI) user(t *testing.T, name string) (*sqlite.User, string) {
	t.Helper()
	ctx := context.Background()
	u, err := a.users.CreateUser(ctx, name)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	token := "token-" + name
	if err := a.users.RegisterToken(ctx, u.ID, token); err != nil {
		t.Fatalf("RegisterToken: %v", err)
	}
	return u, token
}

func (a *testAPI) do(req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, field, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write(content)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/reflections", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

type reflectionJSON struct {
	ID               int64    `json:"id"`
	AudioFile        string   `json:"audio_file"`
	Transcription    string   `json:"transcription"`
	Summary          string   `json:"ai_summary"`
	Keywords         []string `json:"keywords"`
	ProcessingStatus string   `json:"processing_status"`
	Message          string   `json:"message"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestCreateReflectionWithAudio(t *testing.T) {
	a := newTestAPI(t, 1<<20)
	alice, token := a.user(t, "alice")

	rec := a.do(uploadRequest(t, "audio_file", "morning.m4a", []byte("fake audio")), token)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	got := decode[reflectionJSON](t, rec)
	if got.Message != "Reflection created. Audio transcription is being processed." {
		t.Errorf("message = %q", got.Message)
	}
	if got.ProcessingStatus != StatusPending || got.Transcription != "" {
		t.Errorf("response = %+v", got)
	}
	if !strings.HasPrefix(got.AudioFile, strconv.FormatInt(alice.ID, 10)+"/") || !strings.HasSuffix(got.AudioFile, ".m4a") {
		t.Errorf("audio_file = %q", got.AudioFile)
	}

	path, _ := a.blobs.Path(got.AudioFile)
	if data, err := os.ReadFile(path); err != nil || string(data) != "fake audio" {
		t.Errorf("stored audio = %q, %v", data, err)
	}

	job, err := a.jobs.LatestForReflection(context.Background(), got.ID)
	if err != nil {
		t.Fatalf("no job enqueued: %v", err)
	}
	if job.Status != sqlite.JobQueued || job.Attempt != 0 {
		t.Errorf("job = %+v", job)
	}
}

func TestCreateReflectionWithoutAudio(t *testing.T) {
	a := newTestAPI(t, 1<<20)
	_, token := a.user(t, "alice")

	rec := a.do(uploadRequest(t, "notes", "notes.txt", []byte("hi")), token)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	got := decode[reflectionJSON](t, rec)
	if got.AudioFile != "" || got.ProcessingStatus != StatusNone {
		t.Errorf("response = %+v", got)
	}
	if _, err := a.jobs.LatestForReflection(context.Background(), got.ID); err == nil {
		t.Error("job enqueued for a reflection without audio")
	}

	// A bodyless POST is also a reflection without audio
	rec = a.do(httptest.NewRequest(http.MethodPost, "/api/reflections", nil), token)
	if rec.Code != http.StatusCreated {
		t.Errorf("empty POST status = %d", rec.Code)
	}
}

func TestCreateReflectionTooLarge(t *testing.T) {
	a := newTestAPI(t, 1024)
	_, token := a.user(t, "alice")

	rec := a.do(uploadRequest(t, "audio_file", "long.wav", bytes.Repeat([]byte("x"), 4096)), token)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestCreateReflectionMalformedForm(t *testing.T) {
	a := newTestAPI(t, 1<<20)
	_, token := a.user(t, "alice")

	req := httptest.NewRequest(http.MethodPost, "/api/reflections", strings.NewReader("--x\r\nbroken"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	rec := a.do(req, token)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRequiresToken(t *testing.T) {
	a := newTestAPI(t, 1<<20)

	for _, token := range []string{"", "not-a-token"} {
		rec := a.do(httptest.NewRequest(http.MethodGet, "/api/reflections", nil), token)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rec.Code)
		}
	}

	// Query tokens are only honoured on websocket upgrades
	_, token := a.user(t, "alice")
	rec := a.do(httptest.NewRequest(http.MethodGet, "/api/reflections?token="+token, nil), "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("query token status = %d, want 401", rec.Code)
	}
}

func TestOwnerOnlyVisibility(t *testing.T) {
	a := newTestAPI(t, 1<<20)
	_, aliceToken := a.user(t, "alice")
	_, bobToken := a.user(t, "bob")

	created := decode[reflectionJSON](t, a.do(uploadRequest(t, "audio_file", "a.mp3", []byte("a")), aliceToken))
	path := "/api/reflections/" + strconv.FormatInt(created.ID, 10)

	if rec := a.do(httptest.NewRequest(http.MethodGet, path, nil), aliceToken); rec.Code != http.StatusOK {
		t.Errorf("owner status = %d", rec.Code)
	}
	if rec := a.do(httptest.NewRequest(http.MethodGet, path, nil), bobToken); rec.Code != http.StatusNotFound {
		t.Errorf("other user status = %d, want 404", rec.Code)
	}

	list := decode[struct {
		Count       int              `json:"count"`
		Reflections []reflectionJSON `json:"reflections"`
	}](t, a.do(httptest.NewRequest(http.MethodGet, "/api/reflections", nil), bobToken))
	if list.Count != 0 || len(list.Reflections) != 0 {
		t.Errorf("bob sees %+v", list)
	}

	if rec := a.do(httptest.NewRequest(http.MethodGet, "/api/reflections/abc", nil), aliceToken); rec.Code != http.StatusNotFound {
		t.Errorf("bad id status = %d, want 404", rec.Code)
	}
}

func TestProcessingStatus(t *testing.T) {
	a := newTestAPI(t, 1<<20)
	_, token := a.user(t, "alice")
	ctx := context.Background()

	created := decode[reflectionJSON](t, a.do(uploadRequest(t, "audio_file", "a.ogg", []byte("a")), token))
	path := "/api/reflections/" + strconv.FormatInt(created.ID, 10)
	status := func() string {
		return decode[reflectionJSON](t, a.do(httptest.NewRequest(http.MethodGet, path, nil), token)).ProcessingStatus
	}

	if got := status(); got != StatusPending {
		t.Errorf("queued status = %q", got)
	}

	now := time.Now().Add(time.Second)
	job, err := a.jobs.ClaimNext(ctx, "w1", now)
	if err != nil || job == nil {
		t.Fatalf("ClaimNext = %v, %v", job, err)
	}
	if got := status(); got != StatusProcessing {
		t.Errorf("running status = %q", got)
	}

	a.jobs.Retry(ctx, job.ID, now.Add(time.Minute), "conversion", now)
	if got := status(); got != StatusProcessing {
		t.Errorf("retry scheduled status = %q", got)
	}

	job, _ = a.jobs.ClaimNext(ctx, "w1", now.Add(time.Minute))
	a.jobs.Fail(ctx, job.ID, "retry budget exhausted", now)
	if got := status(); got != StatusFailed {
		t.Errorf("failed status = %q", got)
	}

	err = a.reflections.SaveTranscription(ctx, created.ID, sqlite.TranscriptionResult{Transcription: "done", Keywords: []string{}})
	if err != nil {
		t.Fatalf("SaveTranscription: %v", err)
	}
	got := decode[reflectionJSON](t, a.do(httptest.NewRequest(http.MethodGet, path, nil), token))
	if got.ProcessingStatus != StatusCompleted || got.Transcription != "done" {
		t.Errorf("completed = %+v", got)
	}
}

func TestListPagination(t *testing.T) {
	a := newTestAPI(t, 1<<20)
	_, token := a.user(t, "alice")
	for range 3 {
		a.do(httptest.NewRequest(http.MethodPost, "/api/reflections", nil), token)
	}

	list := decode[struct {
		Count int `json:"count"`
		Limit int `json:"limit"`
	}](t, a.do(httptest.NewRequest(http.MethodGet, "/api/reflections?limit=2&offset=0", nil), token))
	if list.Count != 2 || list.Limit != 2 {
		t.Errorf("page = %+v", list)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	a := newTestAPI(t, 1<<20)

	rec := a.do(httptest.NewRequest(http.MethodGet, "/healthz", nil), "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}

	_, token := a.user(t, "alice")
	a.do(uploadRequest(t, "audio_file", "a.wav", []byte("a")), token)

	rec = a.do(httptest.NewRequest(http.MethodGet, "/metrics", nil), "")
	if !strings.Contains(rec.Body.String(), `voicejournal_reflections_created_total{with_audio="true"} 1`) {
		t.Errorf("metrics missing upload counter:\n%s", rec.Body)
	}
}

func TestCORSPreflight(t *testing.T) {
	a := newTestAPI(t, 1<<20)

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/api/reflections", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "authorization, content-type")
		return a.do(req, "")
	}

	rec := preflight(testOrigin)
	if rec.Code >= 300 {
		t.Fatalf("preflight status = %d, want 2xx", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != testOrigin {
		t.Errorf("Allow-Origin = %q, want %q", got, testOrigin)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != http.MethodPost {
		t.Errorf("Allow-Methods = %q, want POST", got)
	}
	allowed := strings.ToLower(rec.Header().Get("Access-Control-Allow-Headers"))
	if !strings.Contains(allowed, "authorization") || !strings.Contains(allowed, "content-type") {
		t.Errorf("Allow-Headers = %q", allowed)
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != "300" {
		t.Errorf("Max-Age = %q, want 300", got)
	}

	rec = preflight("https://elsewhere.example")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unknown origin allowed: %q", got)
	}
}

func TestCORSOnAuthenticatedRequest(t *testing.T) {
	a := newTestAPI(t, 1<<20)
	_, token := a.user(t, "alice")

	req := httptest.NewRequest(http.MethodGet, "/api/reflections", nil)
	req.Header.Set("Origin", testOrigin)
	rec := a.do(req, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != testOrigin {
		t.Errorf("Allow-Origin = %q, want %q", got, testOrigin)
	}
	if got := rec.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(got, "X-Request-Id") && !strings.Contains(got, "X-Request-ID") {
		t.Errorf("Expose-Headers = %q", got)
	}
}

func TestParsePaginationParams(t *testing.T) {
	tests := []struct {
		query       string
		limit, offs int
	}{
		{"", 100, 0},
		{"limit=10&offset=20", 10, 20},
		{"limit=-1&offset=-5", 100, 0},
		{"limit=100000", 500, 0},
		{"limit=abc", 100, 0},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
		limit, offset := parsePaginationParams(req)
		if limit != tt.limit || offset != tt.offs {
			t.Errorf("%q: got %d,%d want %d,%d", tt.query, limit, offset, tt.limit, tt.offs)
		}
	}
}

func TestBlobSavedUnderUserDirectory(t *testing.T) {
	a := newTestAPI(t, 1<<20)
	alice, token := a.user(t, "alice")

	got := decode[reflectionJSON](t, a.do(uploadRequest(t, "audio_file", "../../evil.mp3", []byte("a")), token))
	path, err := a.blobs.Path(got.AudioFile)
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	want := filepath.Join(a.blobs.Root(), strconv.FormatInt(alice.ID, 10))
	if filepath.Dir(path) != want {
		t.Errorf("blob stored at %s, want under %s", path, want)
	}
}
