package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defectbot/internal/defects"
	"defectbot/internal/notifier"
	"defectbot/internal/storage"
	logx "defectbot/pkg/logx"
)

type fakeNotes struct {
	mu    sync.Mutex
	calls []notifier.Assignment
}

func (f *fakeNotes) Dispatch(p notifier.Payload, a notifier.Assignment) {
	f.mu.Lock()
	f.calls = append(f.calls, a)
	f.mu.Unlock()
}

func (f *fakeNotes) Enabled() bool { return true }

func (f *fakeNotes) History() []notifier.BatchEvent {
	return []notifier.BatchEvent{{DefectID: 7}}
}

type env struct {
	srv   *httptest.Server
	cfg   Config
	notes *fakeNotes
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(dir, "defects.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	notes := &fakeNotes{}
	cfg := Config{
		UploadsDir:    filepath.Join(dir, "uploads"),
		StaticDir:     filepath.Join(dir, "static"),
		AdminPassword: "secret",
		AdminToken:    "admin-token",
	}
	h := NewHandler(cfg, defects.New(st, notes, logx.Nop()), notes, logx.Nop())
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &env{srv: srv, cfg: cfg, notes: notes}
}

func (e *env) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func (e *env) createDefect(t *testing.T, fields map[string]string, photo []byte) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if photo != nil {
		fw, err := mw.CreateFormFile("photo", "leak.jpg")
		require.NoError(t, err)
		_, err = fw.Write(photo)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(e.srv.URL+"/defects/", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func validDefect() map[string]string {
	return map[string]string{
		"equipment":    "Line 1",
		"description":  "Leak",
		"section":      "Packing",
		"danger_level": "high",
		"responsible":  "Ivanov",
	}
}

func TestCreateDefectWithPhoto(t *testing.T) {
	e := newEnv(t)

	resp, body := e.createDefect(t, validDefect(), []byte("JPEG"))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var created struct {
		Status string `json:"status"`
		ID     int64  `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "created", created.Status)
	assert.Positive(t, created.ID)
	assert.Equal(t, []notifier.Assignment{{Responsible: "Ivanov"}}, e.notes.calls)

	resp, body = e.do(t, http.MethodGet, "/defects/?section=Packing", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []defects.View
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	require.NotNil(t, list[0].PhotoURL)
	assert.True(t, strings.HasPrefix(*list[0].PhotoURL, "/uploads/"))
	assert.True(t, strings.HasSuffix(*list[0].PhotoURL, ".jpg"))

	saved, err := os.ReadFile(filepath.Join(e.cfg.UploadsDir, filepath.Base(*list[0].PhotoURL)))
	require.NoError(t, err)
	assert.Equal(t, []byte("JPEG"), saved)

	resp, body = e.do(t, http.MethodGet, *list[0].PhotoURL, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte("JPEG"), body)
}

func TestCreateDefectValidation(t *testing.T) {
	e := newEnv(t)
	f := validDefect()
	delete(f, "section")

	resp, body := e.createDefect(t, f, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, string(body), "Validation error")
	assert.Empty(t, e.notes.calls)
}

func TestUpdateDefect(t *testing.T) {
	e := newEnv(t)
	resp, _ := e.createDefect(t, validDefect(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := e.do(t, http.MethodPut, "/defects/1", "", map[string]string{"status": "in_progress", "assigned_to": "Petrov"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"status":"updated"}`, string(body))

	resp, _ = e.do(t, http.MethodPut, "/defects/99", "", map[string]string{"status": "completed"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = e.do(t, http.MethodPut, "/defects/1", "", map[string]string{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "not updated")

	resp, _ = e.do(t, http.MethodPut, "/defects/1", "", map[string]string{"status": "lost"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPut, "/defects/abc", "", map[string]string{"status": "new"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestUpdateDefectStoresOriginalStatuses(t *testing.T) {
	e := newEnv(t)
	resp, _ := e.createDefect(t, validDefect(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list := func(query string) []map[string]any {
		resp, body := e.do(t, http.MethodGet, "/defects/"+query, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out []map[string]any
		require.NoError(t, json.Unmarshal(body, &out))
		return out
	}
	got := list("")
	require.Len(t, got, 1)
	assert.Equal(t, "новый", got[0]["status"])

	resp, body := e.do(t, http.MethodPut, "/defects/1", "", map[string]string{"status": "в работе"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	got = list("?status=" + url.QueryEscape("в работе"))
	require.Len(t, got, 1)
	assert.NotNil(t, got[0]["time_started"])

	// English aliases are stored as the original values.
	resp, _ = e.do(t, http.MethodPut, "/defects/1", "", map[string]string{"status": "completed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got = list("?status=completed")
	require.Len(t, got, 1)
	assert.Equal(t, "завершён", got[0]["status"])
	assert.NotNil(t, got[0]["time_completed"])
}

func TestAdminFlow(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.do(t, http.MethodPost, "/admin/login", "", map[string]string{"password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/admin/login", "", map[string]string{"password": "secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"token":"admin-token"}`, string(body))

	lists := map[string]string{"executors": "Petrov\nSidorov"}
	resp, _ = e.do(t, http.MethodPost, "/admin/update-lists", "", lists)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/admin/update-lists", "admin-token", lists)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/dropdown-lists/dropdown-lists/", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string][]string
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, []string{"Petrov", "Sidorov"}, got["executors"])

	resp, body = e.do(t, http.MethodGet, "/admin/notifications", "admin-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"defect_id":7`)
}

func TestDropdownListsUpdatePath(t *testing.T) {
	e := newEnv(t)
	lists := map[string]string{"sections": "Packing\nAssembly", "executors": "Orlov"}

	resp, _ := e.do(t, http.MethodPost, "/dropdown-lists/update-lists", "", lists)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/dropdown-lists/update-lists", "wrong-token", lists)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/dropdown-lists/update-lists", "admin-token", lists)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"updated"}`, string(body))

	resp, body = e.do(t, http.MethodGet, "/dropdown-lists/dropdown-lists/", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string][]string
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, []string{"Packing", "Assembly"}, got["sections"])
	assert.Equal(t, []string{"Orlov"}, got["executors"])
}

func TestSubscribe(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/users/subscribe", "", map[string]string{"name": "Ivanov", "telegram_id": "1001"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"subscribed"}`, string(body))

	resp, body = e.do(t, http.MethodPost, "/users/subscribe", "", map[string]string{"name": "Other", "telegram_id": "1001"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "already exists")

	resp, _ = e.do(t, http.MethodPost, "/users/subscribe", "", map[string]string{"name": "NoID"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestHealthAndPages(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","notifications":true}`, string(body))

	resp, _ = e.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no static dir yet")

	require.NoError(t, os.MkdirAll(e.cfg.StaticDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(e.cfg.StaticDir, "index.html"), []byte("<h1>defects</h1>"), 0o644))
	resp, body = e.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "defects")
}

func TestServerStartStop(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "pong") })
	s := NewServer(Config{Addr: "127.0.0.1:0"}, h, logx.Nop())

	s.Start(context.Background())
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not bind")
	}

	resp, err := http.Get("http://" + s.Addr() + "/")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "pong", string(b))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Nil(t, s.Supervisor())
}
