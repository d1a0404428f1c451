package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defectbot/internal/config"
	"defectbot/internal/eventbus"
	"defectbot/internal/notifier"
	rtsup "defectbot/internal/runtime/supervisor"
	logx "defectbot/pkg/logx"
)

const testToken = "123:abc"

// botAPI answers getMe and records sendMessage chat ids. reject makes getMe fail.
type botAPI struct {
	reject bool

	mu   sync.Mutex
	sent []string
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := strings.TrimPrefix(r.URL.Path, "/bot"+testToken+"/")
	w.Header().Set("Content-Type", "application/json")
	if b.reject {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
		return
	}
	if method == "getMe" {
		_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Defects","username":"defects_bot"}}`)
		return
	}
	var params map[string]any
	_ = json.NewDecoder(r.Body).Decode(&params)
	b.mu.Lock()
	b.sent = append(b.sent, fmt.Sprint(params["chat_id"]))
	b.mu.Unlock()
	_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":1001,"type":"private"}}}`)
}

func (b *botAPI) chats() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sent...)
}

func writeConfig(t *testing.T, dir string, tg map[string]any) string {
	t.Helper()
	cfg := map[string]any{
		"http":        map[string]any{"addr": "127.0.0.1:0", "uploads_dir": filepath.Join(dir, "uploads"), "static_dir": filepath.Join(dir, "static")},
		"storage":     map[string]any{"driver": "sqlite", "path": filepath.Join(dir, "defects.db")},
		"maintenance": map[string]any{"optimize_schedule": ""},
		"logging":     map[string]any{"level": "error", "console": false},
	}
	if tg != nil {
		cfg["telegram"] = tg
	}
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func newApp(t *testing.T, tg map[string]any) *App {
	t.Helper()
	t.Setenv(config.EnvTelegramToken, "")
	a, err := NewApp(writeConfig(t, t.TempDir(), tg))
	require.NoError(t, err)
	return a
}

func stop(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
}

func waitReady(t *testing.T, a *App) string {
	t.Helper()
	select {
	case <-a.Server().Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("http server did not bind")
	}
	return "http://" + a.Server().Addr()
}

func TestStartWithoutToken(t *testing.T) {
	a := newApp(t, nil)
	require.NoError(t, a.Start(context.Background()))
	defer stop(t, a)

	base := waitReady(t, a)
	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.JSONEq(t, `{"status":"ok","notifications":false}`, string(body))
}

func TestDefectCreationNotifiesSubscriber(t *testing.T) {
	api := &botAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	a := newApp(t, map[string]any{"token": testToken, "api_url": srv.URL, "rate_per_sec": 100})
	require.NoError(t, a.Start(context.Background()))
	defer stop(t, a)
	base := waitReady(t, a)

	require.NoError(t, a.Defects().Subscribe(context.Background(), "Ivanov", "1001"))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range map[string]string{
		"equipment": "Line 1", "description": "Leak", "section": "Packing",
		"danger_level": "high", "responsible": "Ivanov",
	} {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	resp, err := http.Post(base+"/defects/", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool { return len(api.chats()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"1001"}, api.chats())

	d, err := a.OpenNotifier(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(d.History()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, d.History()[0].Failed())
}

func TestStartFailsWhenTokenRejected(t *testing.T) {
	srv := httptest.NewServer(&botAPI{reject: true})
	defer srv.Close()

	a := newApp(t, map[string]any{"token": testToken, "api_url": srv.URL})
	err := a.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open notification channel")

	// The stop path already ran; a second Stop is a no-op.
	stop(t, a)
	assert.Empty(t, a.Server().Addr())
}

func TestNotifyFromCommandUsesAuxiliarySupervisor(t *testing.T) {
	api := &botAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	a := newApp(t, map[string]any{"token": testToken, "api_url": srv.URL})
	defer stop(t, a)
	ctx := context.Background()

	require.NoError(t, a.Defects().Subscribe(ctx, "Petrov", "2002"))
	d, err := a.OpenNotifier(ctx)
	require.NoError(t, err)
	require.True(t, d.Enabled())

	d.Dispatch(notifier.Payload{ID: 5, Equipment: "Press"}, notifier.Assignment{Executor: "Petrov"})
	drainCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.NoError(t, a.Executor().Drain(drainCtx))
	assert.Equal(t, []string{"2002"}, api.chats())
}

func TestValidateRejectsBadDurations(t *testing.T) {
	cfg := config.Default()
	config.Normalize(cfg)
	require.NoError(t, validate(cfg))

	cfg.HTTP.ReadTimeout = "soon"
	assert.Error(t, validate(cfg))

	cfg.HTTP.ReadTimeout = ""
	cfg.Storage.Driver = "postgres"
	assert.Error(t, validate(cfg), "postgres needs a dsn")
}

func TestMediaRoot(t *testing.T) {
	cfg := config.Default()
	config.Normalize(cfg)
	assert.Equal(t, ".", mediaRoot(cfg))

	cfg.HTTP.UploadsDir = filepath.Join("/srv", "defects", "uploads")
	assert.Equal(t, filepath.Join("/srv", "defects"), mediaRoot(cfg))

	cfg.HTTP.UploadsDir = "/srv/photos"
	assert.Equal(t, ".", mediaRoot(cfg))

	cfg.Telegram.MediaRoot = "/data"
	assert.Equal(t, "/data", mediaRoot(cfg))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestBatchLogSubscribesToBatchEventsOnly(t *testing.T) {
	var out lockedBuffer
	sup := rtsup.NewSupervisor(context.Background())
	a := &App{log: logx.NewWriter(&out, "debug"), bus: eventbus.New(), sup: sup}
	a.logBatches()

	// Unrelated traffic never reaches the batch log, so it can't fill its buffer.
	for i := 0; i < 500; i++ {
		a.bus.Publish(eventbus.Event{Type: "config.changed"})
	}
	a.bus.Publish(eventbus.Event{Type: notifier.EventBatch, Data: notifier.BatchEvent{DefectID: 7, Skipped: []string{"Nobody"}}})

	require.Eventually(t, func() bool { return strings.Contains(out.String(), `"defect_id":7`) }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, a.bus.Dropped())
	assert.NotContains(t, out.String(), "config.changed")

	sup.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.Wait(ctx))
}
