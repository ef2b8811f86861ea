package webui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/cors"

	"github.com/crackvision/crack-detector/internal/camera"
	"github.com/crackvision/crack-detector/internal/detection"
	"github.com/crackvision/crack-detector/internal/logger"
	"github.com/crackvision/crack-detector/internal/metrics"
	"github.com/crackvision/crack-detector/internal/webrtc"
)

const offerTimeout = 10 * time.Second

// PreviewPeers is the WebRTC side of the live preview.
type PreviewPeers interface {
	FrameSink
	HandleOffer(ctx context.Context, offerJSON []byte) ([]byte, error)
	ClientStats() map[string]map[string]uint64
}

// Server serves the crack detector screen and its JSON API.
type Server struct {
	cfg         Config
	controller  *Controller
	peers       PreviewPeers
	metrics     *metrics.Metrics
	broadcaster *FrameBroadcaster
	status      *StatusBroadcaster
}

// NewServer returns a configured server. peers and m may be nil.
func NewServer(cfg Config, controller *Controller, peers PreviewPeers, m *metrics.Metrics) *Server {
	cfg = cfg.withDefaults()

	var sink FrameSink
	if peers != nil {
		sink = peers
	}

	return &Server{
		cfg:         cfg,
		controller:  controller,
		peers:       peers,
		metrics:     m,
		broadcaster: NewFrameBroadcaster(controller.PreviewJPEG, cfg.previewInterval(), sink, m),
		status:      NewStatusBroadcaster(controller.View, cfg.StatusInterval),
	}
}

// Start launches the preview and status broadcasters.
func (s *Server) Start() {
	s.broadcaster.Start()
	s.status.Start()
}

// Close stops the broadcasters, which ends all streaming responses.
func (s *Server) Close() {
	s.broadcaster.Stop()
	s.status.Stop()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/assets/", http.StripPrefix("/assets/", newAssetHandler(s.cfg.AssetsDir)))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/camera/devices", s.handleDevices)
	mux.HandleFunc("/api/camera/start", s.handleCameraStart)
	mux.HandleFunc("/api/camera/stop", s.handleCameraStop)
	mux.HandleFunc("/api/camera/switch", s.handleCameraSwitch)
	mux.HandleFunc("/api/camera/dismiss", s.handleCameraDismiss)
	mux.HandleFunc("/api/camera/capture", s.handleCapture)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)
	mux.HandleFunc("/api/detect", s.handleDetect)
	mux.HandleFunc("/api/detect/retry", s.handleDetectRetry)
	mux.HandleFunc("/api/detect/overlay", s.handleOverlay)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	if len(s.cfg.AllowedOrigins) == 0 {
		return mux
	}
	return cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept", "X-Filename"},
		ExposedHeaders: []string{"Content-Disposition", "X-Content-Format"},
	}).Handler(mux)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.controller.session.Status()
	health := map[string]any{
		"status":     "ok",
		"camera":     st.State,
		"configured": s.controller.client.IsConfigured(),
		"detecting":  s.controller.client.IsDetecting(),
		"captures":   s.controller.captures.Summary(),
	}
	if s.peers != nil {
		health["webrtc_clients"] = s.peers.ClientStats()
	}
	writeJSON(w, health)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)
	streamMJPEGFromChannel(r.Context(), w, frameCh)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writePayload(w, r, s.controller.View(r.Context()), http.StatusOK)
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.status.Subscribe()
	defer s.status.Unsubscribe(id)

	first, err := serializeEvent(s.controller.View(r.Context()))
	if err != nil {
		logger.Error("HTTP", "Status serialization failed: %v", err)
	}
	streamEventsFromChannel(r.Context(), w, eventCh, wantsProtobuf(r), first)
}

func (s *Server) configPayload() map[string]any {
	cfg := s.controller.client.Config()
	return map[string]any{
		"config": ConfigView{
			APIKey:        MaskAPIKey(cfg.APIKey),
			ModelEndpoint: cfg.ModelEndpoint,
			Threshold:     cfg.Threshold,
		},
		"configured": cfg.IsConfigured(),
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.configPayload())
		return
	case http.MethodPost:
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	form, err := decodeConfigForm(r)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	if err := s.controller.SaveConfig(form); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	s.status.Notify()
	writeJSON(w, s.configPayload())
}

func decodeConfigForm(r *http.Request) (ConfigForm, error) {
	var form ConfigForm
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&form); err != nil {
			return form, fmt.Errorf("invalid config payload: %w", err)
		}
		return form, nil
	}

	if err := r.ParseForm(); err != nil {
		return form, fmt.Errorf("invalid config form: %w", err)
	}
	form.APIKey = r.PostForm.Get("api_key")
	form.ModelEndpoint = r.PostForm.Get("model_endpoint")
	if raw := r.PostForm.Get("threshold"); raw != "" {
		threshold, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return form, fmt.Errorf("invalid threshold %q", raw)
		}
		form.Threshold = &threshold
	}
	return form, nil
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.controller.Devices(r.Context())
	views := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, DeviceView{ID: d.ID, Label: DeviceLabel(d)})
	}
	payload := map[string]any{
		"devices":            views,
		"show_device_picker": ShowDevicePicker(devices),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	writeJSON(w, payload)
}

type cameraRequest struct {
	DeviceID string `json:"device_id"`
}

func decodeCameraRequest(r *http.Request) (cameraRequest, error) {
	var req cameraRequest
	if q := r.URL.Query().Get("device_id"); q != "" {
		req.DeviceID = q
		return req, nil
	}
	if r.ContentLength == 0 {
		return req, nil
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, fmt.Errorf("invalid camera request: %w", err)
	}
	return req, nil
}

func (s *Server) writeCamera(w http.ResponseWriter, st camera.Status) {
	s.status.Notify()
	writeJSON(w, map[string]any{"camera": newCameraView(st)})
}

func (s *Server) handleCameraStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := decodeCameraRequest(r)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	// A dropped request must not abort the acquisition; only a later camera action does.
	s.writeCamera(w, s.controller.StartCamera(context.WithoutCancel(r.Context()), req.DeviceID))
}

func (s *Server) handleCameraStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeCamera(w, s.controller.StopCamera())
}

func (s *Server) handleCameraSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := decodeCameraRequest(r)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	if req.DeviceID == "" {
		writeJSONWithStatus(w, map[string]any{"error": "device_id is required", "kind": "invalid_request"}, http.StatusBadRequest)
		return
	}
	s.writeCamera(w, s.controller.SwitchCamera(context.WithoutCancel(r.Context()), req.DeviceID))
}

func (s *Server) handleCameraDismiss(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeCamera(w, s.controller.DismissCameraError())
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	download, err := s.controller.Capture()
	if err != nil {
		writeError(w, err, statusForError(err))
		return
	}
	s.status.Notify()
	writeDownload(w, download)
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.peers == nil {
		writeJSONWithStatus(w, map[string]any{"error": "WebRTC preview is disabled"}, http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), offerTimeout)
	defer cancel()

	answer, err := s.peers.HandleOffer(ctx, body)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, webrtc.ErrMaxClients) {
			status = http.StatusServiceUnavailable
		}
		logger.Warn("WebRTC", "Offer rejected: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tooLargeErr := fmt.Errorf("upload exceeds %d bytes", s.cfg.MaxUploadBytes)
	if r.ContentLength > s.cfg.MaxUploadBytes {
		writeError(w, tooLargeErr, http.StatusRequestEntityTooLarge)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	filename, data, err := readUpload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, tooLargeErr, http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, err, http.StatusBadRequest)
		return
	}

	result, err := s.controller.DetectUpload(r.Context(), filename, data)
	s.writeDetection(w, r, result, err)
}

func (s *Server) handleDetectRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result, err := s.controller.RetryDetection(r.Context())
	s.writeDetection(w, r, result, err)
}

func (s *Server) writeDetection(w http.ResponseWriter, r *http.Request, result *detection.Result, err error) {
	s.status.Notify()
	if err != nil {
		writePayload(w, r, map[string]any{
			"error":           err.Error(),
			"kind":            errorKind(err),
			"retry_available": s.controller.HasUpload(),
		}, statusForError(err))
		return
	}
	writePayload(w, r, result, http.StatusOK)
}

// readUpload accepts a multipart "file" field or a raw image body.
func readUpload(r *http.Request) (string, []byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		file, header, err := r.FormFile("file")
		if err != nil {
			return "", nil, fmt.Errorf("missing file field: %w", err)
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return "", nil, err
		}
		return filepath.Base(header.Filename), data, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return "", nil, err
	}
	filename := r.Header.Get("X-Filename")
	if filename == "" {
		filename = r.URL.Query().Get("filename")
	}
	if filename != "" {
		filename = filepath.Base(filename)
	}
	return filename, data, nil
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	data, err := s.controller.Overlay()
	if err != nil {
		writeError(w, err, statusForError(err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

func writeDownload(w http.ResponseWriter, d *Download) {
	w.Header().Set("Content-Type", d.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": d.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(d.Data)))
	_, _ = w.Write(d.Data)
}

func statusForError(err error) int {
	switch detection.KindOf(err) {
	case detection.KindNotConfigured:
		return http.StatusPreconditionFailed
	case detection.KindAuthenticationRejected, detection.KindNetworkFailure, detection.KindMalformedResponse:
		return http.StatusBadGateway
	case detection.KindTimeout:
		return http.StatusGatewayTimeout
	}
	switch {
	case errors.Is(err, camera.ErrNotActive), errors.Is(err, ErrNoUpload):
		return http.StatusConflict
	case errors.Is(err, ErrNotImage):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, detection.ErrEmptyImage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error, status int) {
	writeJSONWithStatus(w, map[string]any{"error": err.Error(), "kind": errorKind(err)}, status)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
