package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cordum/barkit/core/bar/archive"
	"github.com/cordum/barkit/core/bar/barerr"
	"github.com/cordum/barkit/core/bar/export"
	"github.com/cordum/barkit/core/bar/progress"
	"github.com/cordum/barkit/core/box"
	"github.com/cordum/barkit/core/infra/config"
	"github.com/cordum/barkit/core/infra/locks"
	"github.com/gorilla/websocket"
)

const boxName = "app"

type recordingMetrics struct {
	mu     sync.Mutex
	routes []string
}

func (m *recordingMetrics) ObserveRequest(method, route, status string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = append(m.routes, method+" "+route+" "+status)
}

func (m *recordingMetrics) seen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.routes...)
}

type testGateway struct {
	s       *server
	srv     *httptest.Server
	backend *box.MemoryBackend
	metrics *recordingMetrics
	staging string
	exports string
}

func newTestGateway(t *testing.T, limits *config.Limits) *testGateway {
	t.Helper()
	if limits == nil {
		limits = config.DefaultLimits()
	}
	g := &testGateway{
		backend: box.NewMemoryBackend(),
		metrics: &recordingMetrics{},
		staging: t.TempDir(),
		exports: t.TempDir(),
	}
	s, runner := newServer(deps{
		limits:     limits,
		backend:    g.backend,
		locks:      locks.NewMemoryStore(),
		cache:      progress.NewMemoryCache(time.Hour),
		sink:       &progress.MemorySink{},
		gateway:    g.metrics,
		stagingDir: g.staging,
		exportDir:  g.exports,
	})
	s.pollInterval = 5 * time.Millisecond
	g.s = s
	g.srv = newIPv4Server(t, s.routes())
	t.Cleanup(func() {
		g.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
	})
	return g
}

func newIPv4Server(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping: unable to listen on ipv4 loopback (%v)", err)
	}
	srv := httptest.NewUnstartedServer(handler)
	srv.Listener = ln
	srv.Start()
	return srv
}

// bundle exports a small box from a scratch backend and returns the archive
// bytes.
func bundle(t *testing.T) []byte {
	t.Helper()
	ctx := context.Background()
	source := box.NewMemoryBackend()
	bx, err := source.CreateBox(ctx, box.Spec{ID: "src-1", Name: boxName, Schema: "https://app.example/"})
	if err != nil {
		t.Fatalf("create box: %v", err)
	}
	docs, err := bx.Root().GetOrCreateChild(ctx, "docs")
	if err != nil {
		t.Fatalf("child: %v", err)
	}
	if err := docs.MkdirWithKind(ctx, box.KindFileCollection); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	readme, err := docs.GetOrCreateChild(ctx, "readme.txt")
	if err != nil {
		t.Fatalf("child: %v", err)
	}
	if err := readme.PutFile(ctx, "text/plain", strings.NewReader("hello")); err != nil {
		t.Fatalf("put: %v", err)
	}
	p, err := export.NewAssembler(source, nil).ExportFile(ctx, boxName, t.TempDir(), archive.EncodingZip)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read bundle: %v", err)
	}
	return data
}

func (g *testGateway) url(path string) string { return g.srv.URL + path }

func (g *testGateway) postRaw(t *testing.T, name string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(g.url("/api/v1/boxes/"+name+"/install"), "application/zip", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	defer resp.Body.Close()
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func (g *testGateway) progress(t *testing.T, name string) (progress.State, int) {
	t.Helper()
	resp, err := http.Get(g.url("/api/v1/boxes/" + name + "/progress"))
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	defer resp.Body.Close()
	var state progress.State
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
			t.Fatalf("decode progress: %v", err)
		}
	}
	return state, resp.StatusCode
}

func stagingEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected %s to be empty, found %d files", dir, len(entries))
	}
}

func TestHealth(t *testing.T) {
	g := newTestGateway(t, nil)
	resp, err := http.Get(g.url("/health"))
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("unexpected health response %d %q", resp.StatusCode, body)
	}
}

func TestInstallRawBodyAndPoll(t *testing.T) {
	g := newTestGateway(t, nil)
	resp := g.postRaw(t, boxName, bundle(t))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/api/v1/boxes/app/progress" {
		t.Fatalf("unexpected location %q", loc)
	}
	var acc struct {
		BoxName   string `json:"box_name"`
		ArchiveID string `json:"archive_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&acc); err != nil {
		t.Fatalf("decode accepted: %v", err)
	}
	if acc.BoxName != boxName || acc.ArchiveID == "" {
		t.Fatalf("unexpected accepted body %+v", acc)
	}

	g.s.runner.Wait()
	state, status := g.progress(t, boxName)
	if status != http.StatusOK {
		t.Fatalf("expected progress, got %d", status)
	}
	if state.Status != progress.StatusCompleted || state.Percent != 100 {
		t.Fatalf("unexpected final state %+v", state)
	}
	if state.ArchiveID != acc.ArchiveID {
		t.Fatalf("archive id mismatch: %s vs %s", state.ArchiveID, acc.ArchiveID)
	}
	if ok, _ := g.backend.BoxExists(context.Background(), boxName); !ok {
		t.Fatalf("expected box installed")
	}
	stagingEmpty(t, g.staging)
}

func TestInstallMultipart(t *testing.T) {
	g := newTestGateway(t, nil)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("note", "ignored")
	fw, err := mw.CreateFormFile(bundleField, "app.bar")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = fw.Write(bundle(t))
	_ = mw.Close()

	resp, err := http.Post(g.url("/api/v1/boxes/app/install"), mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	g.s.runner.Wait()
	if state, _ := g.progress(t, boxName); state.Status != progress.StatusCompleted {
		t.Fatalf("expected completed, got %+v", state)
	}
}

func TestInstallMultipartWithoutBundle(t *testing.T) {
	g := newTestGateway(t, nil)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("note", "no archive")
	_ = mw.Close()

	resp, err := http.Post(g.url("/api/v1/boxes/app/install"), mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body := decodeError(t, resp)
	if body.Code != string(barerr.MissingEntry) || body.Path != bundleField {
		t.Fatalf("unexpected error body %+v", body)
	}
	stagingEmpty(t, g.staging)
}

func TestInstallRejections(t *testing.T) {
	t.Run("not an archive", func(t *testing.T) {
		g := newTestGateway(t, nil)
		resp := g.postRaw(t, boxName, []byte("definitely not a zip"))
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
		if body := decodeError(t, resp); body.Code != string(barerr.DocumentFormat) {
			t.Fatalf("unexpected code %s", body.Code)
		}
		if _, status := g.progress(t, boxName); status != http.StatusNotFound {
			t.Fatalf("expected no progress, got %d", status)
		}
		stagingEmpty(t, g.staging)
	})

	t.Run("duplicate box", func(t *testing.T) {
		g := newTestGateway(t, nil)
		data := bundle(t)
		first := g.postRaw(t, boxName, data)
		first.Body.Close()
		g.s.runner.Wait()
		resp := g.postRaw(t, boxName, data)
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("expected 409, got %d", resp.StatusCode)
		}
		if body := decodeError(t, resp); body.Code != string(barerr.DuplicateBox) {
			t.Fatalf("unexpected code %s", body.Code)
		}
		stagingEmpty(t, g.staging)
	})

	t.Run("too large", func(t *testing.T) {
		limits := config.DefaultLimits()
		limits.MaxArchiveMB = 0
		g := newTestGateway(t, limits)
		resp := g.postRaw(t, boxName, bundle(t))
		if resp.StatusCode != http.StatusRequestEntityTooLarge {
			t.Fatalf("expected 413, got %d", resp.StatusCode)
		}
		if body := decodeError(t, resp); body.Code != string(barerr.ArchiveTooLarge) {
			t.Fatalf("unexpected code %s", body.Code)
		}
		stagingEmpty(t, g.staging)
	})

	t.Run("bad box name", func(t *testing.T) {
		g := newTestGateway(t, nil)
		resp := g.postRaw(t, "_app", bundle(t))
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
		if body := decodeError(t, resp); body.Code != string(barerr.InvalidResourceName) {
			t.Fatalf("unexpected code %s", body.Code)
		}
	})
}

func TestInstallRateLimited(t *testing.T) {
	limits := config.DefaultLimits()
	limits.InstallRatePerSec = 0.001
	limits.InstallBurst = 1
	g := newTestGateway(t, limits)

	first := g.postRaw(t, boxName, []byte("junk"))
	first.Body.Close()
	if first.StatusCode == http.StatusTooManyRequests {
		t.Fatalf("first request should not be limited")
	}
	resp := g.postRaw(t, boxName, []byte("junk"))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected retry-after header")
	}
	if body := decodeError(t, resp); body.Code != codeRateLimited {
		t.Fatalf("unexpected code %s", body.Code)
	}
}

func TestProgressUnknownBox(t *testing.T) {
	g := newTestGateway(t, nil)
	if _, status := g.progress(t, "ghost"); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
}

func TestProgressStream(t *testing.T) {
	g := newTestGateway(t, nil)
	resp := g.postRaw(t, boxName, bundle(t))
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	wsURL := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/api/v1/boxes/app/progress/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var states []progress.State
	for {
		var state progress.State
		err := conn.ReadJSON(&state)
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("unexpected stream end: %v", err)
			}
			break
		}
		states = append(states, state)
	}
	if len(states) == 0 {
		t.Fatalf("expected at least one snapshot")
	}
	for i := 1; i < len(states); i++ {
		if states[i].Percent < states[i-1].Percent {
			t.Fatalf("percent went backwards: %d -> %d", states[i-1].Percent, states[i].Percent)
		}
	}
	if last := states[len(states)-1]; last.Status != progress.StatusCompleted {
		t.Fatalf("expected completed last, got %+v", last)
	}
}

func TestProgressStreamUnknownBox(t *testing.T) {
	g := newTestGateway(t, nil)
	wsURL := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/api/v1/boxes/ghost/progress/stream"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial error")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 response, got %#v err=%v", resp, err)
	}
}

func TestCancelWithoutInstall(t *testing.T) {
	g := newTestGateway(t, nil)
	req, _ := http.NewRequest(http.MethodDelete, g.url("/api/v1/boxes/app/install"), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.Code != codeNotRunning {
		t.Fatalf("unexpected code %s", body.Code)
	}
}

func TestExportAfterInstall(t *testing.T) {
	g := newTestGateway(t, nil)
	resp := g.postRaw(t, boxName, bundle(t))
	resp.Body.Close()
	g.s.runner.Wait()

	out, err := http.Get(g.url("/api/v1/boxes/app/export"))
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	defer out.Body.Close()
	if out.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", out.StatusCode)
	}
	if ct := out.Header.Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cd := out.Header.Get("Content-Disposition"); !strings.Contains(cd, "app.bar") {
		t.Fatalf("unexpected disposition %q", cd)
	}
	data, err := io.ReadAll(out.Body)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("PK")) {
		t.Fatalf("expected zip body")
	}
	// The handler removes its temp file after the body is flushed.
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, _ := os.ReadDir(g.exports)
		if len(entries) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("export file not removed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestExportTarGzip(t *testing.T) {
	g := newTestGateway(t, nil)
	resp := g.postRaw(t, boxName, bundle(t))
	resp.Body.Close()
	g.s.runner.Wait()

	out, err := http.Get(g.url("/api/v1/boxes/app/export?format=tar.gz"))
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	defer out.Body.Close()
	if out.StatusCode != http.StatusOK || out.Header.Get("Content-Type") != "application/gzip" {
		t.Fatalf("unexpected response %d %q", out.StatusCode, out.Header.Get("Content-Type"))
	}
	data, _ := io.ReadAll(out.Body)
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		t.Fatalf("expected gzip body")
	}
}

func TestExportErrors(t *testing.T) {
	g := newTestGateway(t, nil)

	resp, err := http.Get(g.url("/api/v1/boxes/ghost/export"))
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(g.url("/api/v1/boxes/app/export?format=rar"))
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	stagingEmpty(t, g.exports)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{barerr.New(barerr.MissingRoot, "", "x"), http.StatusBadRequest},
		{barerr.New(barerr.UnsupportedVersion, "", "x"), http.StatusBadRequest},
		{barerr.New(barerr.DocumentFormat, "", "x"), http.StatusBadRequest},
		{barerr.New(barerr.DuplicateBox, "", "x"), http.StatusConflict},
		{barerr.New(barerr.DuplicateSchema, "", "x"), http.StatusConflict},
		{barerr.New(barerr.InstallInProgress, "", "x"), http.StatusConflict},
		{barerr.New(barerr.ArchiveTooLarge, "", "x"), http.StatusRequestEntityTooLarge},
		{barerr.New(barerr.EntryTooLarge, "", "x"), http.StatusRequestEntityTooLarge},
		{barerr.New(barerr.IO, "", "x"), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v)=%d want %d", tc.err, got, tc.want)
		}
	}
}

func TestInstrumentedRecordsRoute(t *testing.T) {
	g := newTestGateway(t, nil)
	if _, status := g.progress(t, "ghost"); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	seen := g.metrics.seen()
	if len(seen) != 1 || seen[0] != "GET /api/v1/boxes/{box}/progress 404" {
		t.Fatalf("unexpected observations %v", seen)
	}
}
