package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"pkt.systems/pslog"
	"pkt.systems/tabtree/core"
	"pkt.systems/tabtree/internal/logx"
	"pkt.systems/tabtree/schema"
)

const maxBodyBytes = 1 << 20

// Server serves the tree read API, the command surface and the event stream.
type Server struct {
	cfg     Config
	service core.Service
	hub     *Hub
	base    context.Context
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, service core.Service, hub *Hub) *Server {
	if hub == nil {
		hub = NewHub(cfg.StreamHistory)
	}
	return &Server{
		cfg:     cfg,
		service: service,
		hub:     hub,
	}
}

// SetBaseContext sets the parent context for commands, which outlive the
// request that started them so multi-step plans are not cut short.
func (s *Server) SetBaseContext(ctx context.Context) {
	if s == nil || ctx == nil {
		return
	}
	s.base = ctx
}

func (s *Server) commandContext(r *http.Request) context.Context {
	if s.base == nil {
		return r.Context()
	}
	return logx.CopyContextFields(pslog.ContextWithLogger(s.base, pslog.Ctx(r.Context())), r.Context())
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/windows", s.handleWindows)
	mux.HandleFunc("GET /api/windows/{id}/tree", s.handleTree)
	mux.HandleFunc("GET /api/windows/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /api/windows/{id}/shape", s.handleShape)
	mux.HandleFunc("PUT /api/windows/{id}/shape", s.handleRestoreShape)
	mux.HandleFunc("POST /api/windows/{id}/reconcile", s.handleReconcile)

	mux.HandleFunc("POST /api/drop", s.handleDrop)
	mux.HandleFunc("POST /api/group", s.handleGroup)
	mux.HandleFunc("POST /api/detach", s.handleDetach)
	mux.HandleFunc("POST /api/ungroup", s.handleUngroup)
	mux.HandleFunc("POST /api/collapse", s.handleCollapse)
	mux.HandleFunc("POST /api/move-to-window", s.handleMoveToWindow)
	mux.HandleFunc("POST /api/tabs/{id}/wait", s.handleWait)

	return withRequestLogging(mux)
}

func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	resp, err := s.service.ListWindows(r.Context(), schema.ListWindowsRequest{})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if resp.Windows == nil {
		resp.Windows = []schema.WindowID{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	window, r, ok := windowParam(w, r)
	if !ok {
		return
	}
	resp, err := s.service.Snapshot(r.Context(), schema.SnapshotRequest{WindowID: window})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp.Window)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	window, r, ok := windowParam(w, r)
	if !ok {
		return
	}
	resp, err := s.service.Reconcile(r.Context(), schema.ReconcileRequest{WindowID: window})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp.Window)
}

func (s *Server) handleShape(w http.ResponseWriter, r *http.Request) {
	window, r, ok := windowParam(w, r)
	if !ok {
		return
	}
	resp, err := s.service.Shape(r.Context(), schema.ShapeRequest{WindowID: window})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp.Shape)
}

func (s *Server) handleRestoreShape(w http.ResponseWriter, r *http.Request) {
	window, r, ok := windowParam(w, r)
	if !ok {
		return
	}
	var shape schema.ShapeSnapshot
	if !readJSON(w, r, &shape) {
		return
	}
	shape.WindowID = window
	resp, err := s.service.RestoreShape(s.commandContext(r), schema.RestoreShapeRequest{Shape: shape})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	var req schema.DropRequest
	if !readJSON(w, r, &req) {
		return
	}
	resp, err := s.service.Drop(s.commandContext(r), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	var req schema.GroupTabsRequest
	if !readJSON(w, r, &req) {
		return
	}
	resp, err := s.service.GroupTabs(s.commandContext(r), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	var req schema.DetachTabRequest
	if !readJSON(w, r, &req) {
		return
	}
	resp, err := s.service.DetachTab(s.commandContext(r), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUngroup(w http.ResponseWriter, r *http.Request) {
	var req schema.UngroupRequest
	if !readJSON(w, r, &req) {
		return
	}
	resp, err := s.service.Ungroup(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCollapse(w http.ResponseWriter, r *http.Request) {
	var req schema.CollapseRequest
	if !readJSON(w, r, &req) {
		return
	}
	resp, err := s.service.Collapse(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMoveToWindow(w http.ResponseWriter, r *http.Request) {
	var req schema.MoveToNewWindowRequest
	if !readJSON(w, r, &req) {
		return
	}
	resp, err := s.service.MoveToNewWindow(s.commandContext(r), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid tab id %q", r.PathValue("id")))
		return
	}
	tab := schema.TabID(id)
	ctx := pslog.ContextWithLogger(r.Context(), logx.WithTab(r.Context(), tab))
	resp, err := s.service.WaitLoaded(logx.ContextWithTab(ctx, tab), schema.WaitLoadedRequest{TabID: tab})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	window, r, ok := windowParam(w, r)
	if !ok {
		return
	}
	client := uuid.NewString()
	log := logx.Ctx(r.Context()).With("client", client)

	ch, unsubscribe, seq := s.hub.Subscribe(window)
	defer unsubscribe()

	snap, err := s.service.Snapshot(r.Context(), schema.SnapshotRequest{WindowID: window})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastID := parseUint(r.Header.Get("Last-Event-ID"))
	_ = writeSSEvent(w, StreamEvent{
		Type:      "snapshot",
		WindowID:  window,
		Snapshot:  &snap.Window,
		Timestamp: time.Now(),
	})
	replayCount := 0
	if lastID > 0 && lastID < seq {
		replay := s.hub.Replay(window, lastID, seq)
		replayCount = len(replay)
		for _, event := range replay {
			_ = writeSSEvent(w, event)
		}
	}
	flusher.Flush()

	log.Info("http stream opened", "last_id", lastID, "replay", replayCount, "containers", len(snap.Window.Containers))
	for {
		select {
		case <-r.Context().Done():
			log.Info("http stream closed")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			_ = writeSSEvent(w, event)
			flusher.Flush()
			if event.Type == string(schema.TreeEventClosed) {
				log.Info("http stream closed", "reason", "window closed")
				return
			}
		}
	}
}

// windowParam parses the window id path value and scopes the request logger to it.
func windowParam(w http.ResponseWriter, r *http.Request) (schema.WindowID, *http.Request, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid window id %q", raw))
		return schema.NoWindow, r, false
	}
	window := schema.WindowID(id)
	ctx := logx.ContextWithWindowLogger(r.Context(), logx.WithWindow(r.Context(), window), window)
	return window, r.WithContext(ctx), true
}

func readJSON(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeJSON(io.LimitReader(r.Body, maxBodyBytes), target); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return false
	}
	return true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, schema.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrWindowNotFound), errors.Is(err, schema.ErrTabNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrIncompatibleDrop),
		errors.Is(err, schema.ErrStructuralViolation),
		errors.Is(err, schema.ErrStaleReference):
		return http.StatusConflict
	case errors.Is(err, schema.ErrRequestFailed):
		return http.StatusBadGateway
	case errors.Is(err, schema.ErrWaitTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w http.ResponseWriter, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", event.Type)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return nil
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
