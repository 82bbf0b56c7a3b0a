package web

import (
	"context"
	"encoding/json"
	"errors"
	"image/jpeg"
	"io"
	"io/fs"
	"net/http"
	"time"

	"github.com/cjeanneret/RollGo/internal/debug"
	"github.com/cjeanneret/RollGo/internal/hw/camera"
	"github.com/cjeanneret/RollGo/internal/logic/attendance"
	"github.com/cjeanneret/RollGo/internal/metrics"
)

// MaxBodyBytes limits request bodies on the API.
const MaxBodyBytes = 1 << 20

// Camera is the capture control the operator surface drives.
type Camera interface {
	ListDevices(ctx context.Context) ([]camera.Device, error)
	SelectDefault(devices []camera.Device) (camera.Device, bool)
	Preferred() string
	ActiveDevice() (string, bool)
	Start(ctx context.Context, deviceID string) error
	Stop() error
	SwitchDevice(ctx context.Context, deviceID string) error
	Restart(ctx context.Context) error
	Frames() *camera.FrameBuffer
}

// Workflow is the attendance state machine the operator confirms against.
type Workflow interface {
	Snapshot() attendance.Snapshot
	Confirm(ctx context.Context) (attendance.Outcome, error)
	Cancel() error
	Acknowledge() error
}

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	Camera      Camera
	Workflow    Workflow
	Broadcaster *StatusBroadcaster
	Metrics     *metrics.Metrics
	// OnCaptureError, when set, is called for every failed camera start.
	OnCaptureError func(camera.ErrorKind)
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Deps
	staticFS fs.FS
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(deps Deps, staticFS fs.FS) *Handlers {
	return &Handlers{Deps: deps, staticFS: staticFS}
}

type deviceRequest struct {
	DeviceID string `json:"device_id"`
}

type devicesResponse struct {
	Devices   []camera.Device `json:"devices"`
	Preferred string          `json:"preferred,omitempty"`
	CanStart  bool            `json:"can_start"`
}

type cameraState struct {
	Active   bool   `json:"active"`
	DeviceID string `json:"device_id,omitempty"`
}

type stateResponse struct {
	Camera   cameraState         `json:"camera"`
	Workflow attendance.Snapshot `json:"workflow"`
}

type confirmResponse struct {
	attendance.Outcome
	Severity attendance.Severity `json:"severity"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleDevices lists capture devices. An empty list disables starting.
func (h *Handlers) HandleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.Camera.ListDevices(r.Context())
	if err != nil {
		debug.Error(err)
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "Failed to list cameras"})
		return
	}
	if devices == nil {
		devices = []camera.Device{}
	}
	if h.Camera.Preferred() == "" {
		h.Camera.SelectDefault(devices)
	}
	writeJSON(w, http.StatusOK, devicesResponse{
		Devices:   devices,
		Preferred: h.Camera.Preferred(),
		CanStart:  len(devices) > 0,
	})
}

// HandleCameraStart binds the requested or preferred device. With no
// devices enumerated it answers 409 without attempting a bind.
func (h *Handlers) HandleCameraStart(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	devices, err := h.Camera.ListDevices(r.Context())
	if err != nil {
		debug.Error(err)
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "Failed to list cameras"})
		return
	}
	if len(devices) == 0 {
		msg := camera.DeviceNotFound.Remedy()
		h.Broadcaster.BroadcastError(msg)
		writeError(w, http.StatusConflict, errorResponse{Error: msg, Kind: camera.DeviceNotFound.String()})
		return
	}
	if req.DeviceID == "" && h.Camera.Preferred() == "" {
		h.Camera.SelectDefault(devices)
	}
	if err := h.Camera.Start(r.Context(), req.DeviceID); err != nil {
		h.captureFailed(w, err)
		return
	}
	h.writeCameraState(w)
}

// HandleCameraStop releases the active device.
func (h *Handlers) HandleCameraStop(w http.ResponseWriter, r *http.Request) {
	if err := h.Camera.Stop(); err != nil {
		debug.Error(err)
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "Failed to stop camera"})
		return
	}
	h.writeCameraState(w)
}

// HandleCameraSwitch moves the session to another device.
func (h *Handlers) HandleCameraSwitch(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "device_id is required"})
		return
	}
	if err := h.Camera.SwitchDevice(r.Context(), req.DeviceID); err != nil {
		h.captureFailed(w, err)
		return
	}
	h.writeCameraState(w)
}

// HandleCameraRestart releases and rebinds the current device.
func (h *Handlers) HandleCameraRestart(w http.ResponseWriter, r *http.Request) {
	if err := h.Camera.Restart(r.Context()); err != nil {
		h.captureFailed(w, err)
		return
	}
	h.writeCameraState(w)
}

// HandleFrame serves the latest frame as JPEG for the preview, or 204
// when no frame is buffered.
func (h *Handlers) HandleFrame(w http.ResponseWriter, r *http.Request) {
	frame, ok := h.Camera.Frames().Latest()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	if err := jpeg.Encode(w, frame.Image, &jpeg.Options{Quality: 75}); err != nil {
		debug.Trace("frame preview: %v", err)
	}
}

// HandleState returns the camera and workflow state.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state())
}

// HandleConfirm submits the pending scan and returns the outcome.
func (h *Handlers) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	outcome, err := h.Workflow.Confirm(r.Context())
	if err != nil {
		h.workflowFailed(w, err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.ObserveConfirm(start)
	}
	writeJSON(w, http.StatusOK, confirmResponse{Outcome: outcome, Severity: outcome.Severity()})
}

// HandleCancel drops the pending scan.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.Workflow.Cancel(); err != nil {
		h.workflowFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Workflow.Snapshot())
}

// HandleAcknowledge dismisses the shown outcome.
func (h *Handlers) HandleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if err := h.Workflow.Acknowledge(); err != nil {
		h.workflowFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Workflow.Snapshot())
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	if data, err := json.Marshal(h.state()); err == nil {
		if first, ok := h.Broadcaster.encode(StatusEvent{Type: EventState, Data: data}); ok {
			w.Write([]byte("data: " + first + "\n\n"))
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handlers) state() stateResponse {
	id, active := h.Camera.ActiveDevice()
	return stateResponse{
		Camera:   cameraState{Active: active, DeviceID: id},
		Workflow: h.Workflow.Snapshot(),
	}
}

func (h *Handlers) writeCameraState(w http.ResponseWriter) {
	id, active := h.Camera.ActiveDevice()
	writeJSON(w, http.StatusOK, cameraState{Active: active, DeviceID: id})
}

// captureFailed reports a camera failure with the remedy for its kind.
func (h *Handlers) captureFailed(w http.ResponseWriter, err error) {
	kind := camera.KindOf(err)
	debug.Error(err)
	if h.Metrics != nil {
		h.Metrics.IncrementCaptureError(kind.String())
	}
	if h.OnCaptureError != nil {
		h.OnCaptureError(kind)
	}
	msg := kind.Remedy()
	h.Broadcaster.BroadcastError(msg)
	writeError(w, captureStatus(kind), errorResponse{Error: msg, Kind: kind.String()})
}

func captureStatus(kind camera.ErrorKind) int {
	switch kind {
	case camera.PermissionDenied:
		return http.StatusForbidden
	case camera.DeviceNotFound:
		return http.StatusNotFound
	case camera.InsecureContext:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) workflowFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, attendance.ErrInvalidState) {
		writeError(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	debug.Error(err)
	writeError(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

// decodeOptional decodes a JSON body into v; an empty body is allowed.
func decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
		return false
	}
	writeError(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, resp errorResponse) {
	writeJSON(w, status, resp)
}
