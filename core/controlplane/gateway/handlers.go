package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cordum/barkit/core/bar/archive"
	"github.com/cordum/barkit/core/bar/barerr"
	"github.com/cordum/barkit/core/bar/install"
	"github.com/cordum/barkit/core/bar/progress"
	"github.com/cordum/barkit/core/bar/topology"
	"github.com/cordum/barkit/core/box"
	"github.com/cordum/barkit/core/infra/logging"
	"github.com/gorilla/websocket"
)

// bundleField is the multipart field carrying the archive.
const bundleField = "bundle"

// Codes of request-level failures that never reach the pipeline.
const (
	codeRateLimited = "RateLimited"
	codeBadRequest  = "BadRequest"
	codeNotFound    = "NotFound"
	codeNotRunning  = "NotRunning"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg, path string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg, Path: path})
}

// writeBarError reports a pipeline error with its code and entry path.
func writeBarError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), string(barerr.CodeOf(err)), barerr.Message(err), barerr.PathOf(err))
}

func statusFor(err error) int {
	code := barerr.CodeOf(err)
	switch code {
	case barerr.DuplicateBox, barerr.DuplicateSchema, barerr.InstallInProgress:
		return http.StatusConflict
	case barerr.ArchiveTooLarge, barerr.EntryTooLarge:
		return http.StatusRequestEntityTooLarge
	}
	switch code.Class() {
	case barerr.ClassStructural, barerr.ClassDocumentFormat, barerr.ClassRecord, barerr.ClassResourceLimit:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func boxParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := r.PathValue("box")
	if !topology.ValidName(name) {
		writeError(w, http.StatusBadRequest, string(barerr.InvalidResourceName), "invalid box name", name)
		return "", false
	}
	return name, true
}

func (s *server) handleInstall(w http.ResponseWriter, r *http.Request) {
	name, ok := boxParam(w, r)
	if !ok {
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, codeRateLimited, "install rate limited", "")
		return
	}
	path, err := s.stage(r)
	if err != nil {
		logging.Error("gateway", "stage upload failed", "box", name, "error", err)
		writeBarError(w, err)
		return
	}
	acc, err := s.installer.Install(r.Context(), install.Request{BoxName: name, ArchivePath: path})
	if err != nil {
		writeBarError(w, err)
		return
	}
	w.Header().Set("Location", acc.Location)
	writeJSON(w, http.StatusAccepted, acc)
}

// stage copies the uploaded archive into the staging dir. The body is either
// the raw archive or a multipart form with a bundle field.
func (s *server) stage(r *http.Request) (string, error) {
	body, err := uploadBody(r)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(s.stagingDir, "upload-*.bar")
	if err != nil {
		return "", barerr.Wrap(barerr.IO, "", fmt.Errorf("create staging file: %w", err))
	}
	limit := s.limits.MaxArchiveBytes()
	n, copyErr := io.Copy(f, io.LimitReader(body, limit+1))
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		err = barerr.Wrap(barerr.IO, "", fmt.Errorf("read upload: %w", copyErr))
	case closeErr != nil:
		err = barerr.Wrap(barerr.IO, "", fmt.Errorf("write staging file: %w", closeErr))
	case n > limit:
		err = barerr.New(barerr.ArchiveTooLarge, "", "upload exceeds %d bytes", limit)
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func uploadBody(r *http.Request) (io.Reader, error) {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return r.Body, nil
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return nil, barerr.New(barerr.DocumentFormat, "", "bad content type %q", ct)
	}
	if mediaType != "multipart/form-data" {
		return r.Body, nil
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, barerr.Wrap(barerr.DocumentFormat, "", err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, barerr.New(barerr.MissingEntry, bundleField, "multipart form has no %s field", bundleField)
		}
		if err != nil {
			return nil, barerr.Wrap(barerr.DocumentFormat, "", err)
		}
		if part.FormName() == bundleField {
			return part, nil
		}
		_ = part.Close()
	}
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	name, ok := boxParam(w, r)
	if !ok {
		return
	}
	if !s.runner.Cancel(name) {
		writeError(w, http.StatusNotFound, codeNotRunning, "no install running", "")
		return
	}
	logging.Info("gateway", "install cancel requested", "box", name)
	writeJSON(w, http.StatusAccepted, map[string]any{"box_name": name, "cancelled": true})
}

func (s *server) handleProgress(w http.ResponseWriter, r *http.Request) {
	name, ok := boxParam(w, r)
	if !ok {
		return
	}
	state, found, err := s.cache.Get(r.Context(), progress.Key(name))
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(barerr.IO), err.Error(), "")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, codeNotFound, "no install progress for box", "")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleProgressStream pushes a snapshot whenever the cached state moves and
// closes the socket after a terminal status.
func (s *server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	name, ok := boxParam(w, r)
	if !ok {
		return
	}
	key := progress.Key(name)
	state, found, err := s.cache.Get(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(barerr.IO), err.Error(), "")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, codeNotFound, "no install progress for box", "")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("gateway", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := s.pollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last progress.State
	sent := false
	for {
		if !sent || moved(last, state) {
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(state); err != nil {
				return
			}
			last, sent = state, true
		}
		if state.Status.Terminal() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(state.Status))
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
			return
		}
		select {
		case <-gone:
			return
		case <-ticker.C:
		}
		next, found, err := s.cache.Get(r.Context(), key)
		if err != nil {
			logging.Error("gateway", "progress poll failed", "box", name, "error", err)
			continue
		}
		if found {
			state = next
		}
	}
}

func moved(a, b progress.State) bool {
	return a.Processed != b.Processed || a.Status != b.Status ||
		a.Message.Code != b.Message.Code || a.ArchiveID != b.ArchiveID
}

func (s *server) handleExport(w http.ResponseWriter, r *http.Request) {
	name, ok := boxParam(w, r)
	if !ok {
		return
	}
	enc, err := archive.ParseEncoding(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error(), "")
		return
	}
	if s.runner.Running(name) {
		writeError(w, http.StatusConflict, string(barerr.InstallInProgress), "box is being installed", "")
		return
	}
	p, err := s.assembler.ExportFile(r.Context(), name, s.exportDir, enc)
	if err != nil {
		if errors.Is(err, box.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "box not found", "")
			return
		}
		writeError(w, http.StatusInternalServerError, string(barerr.CodeOf(err)), barerr.Message(err), "")
		return
	}
	defer func() {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logging.Error("gateway", "remove export file failed", "path", p, "error", err)
		}
	}()

	f, err := os.Open(p) // #nosec G304 -- path created by the assembler
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(barerr.IO), err.Error(), "")
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(barerr.IO), err.Error(), "")
		return
	}
	w.Header().Set("Content-Type", contentTypeOf(enc))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name + ".bar"}))
	w.Header().Set("Content-Length", strconv.FormatInt(st.Size(), 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		logging.Error("gateway", "export stream interrupted", "box", name, "error", err)
	}
}

func contentTypeOf(enc archive.Encoding) string {
	switch enc {
	case archive.EncodingTar:
		return "application/x-tar"
	case archive.EncodingTarGzip:
		return "application/gzip"
	case archive.EncodingTarZstd:
		return "application/zstd"
	default:
		return "application/zip"
	}
}
