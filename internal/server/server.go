package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/websocket"

	inventorylens "github.com/menta2k/inventory-lens"
	"github.com/menta2k/inventory-lens/internal/config"
	"github.com/menta2k/inventory-lens/internal/store"
	"github.com/menta2k/inventory-lens/pkg/types"
)

// Upgrader upgrades HTTP connections to WebSocket; CheckOrigin allows all origins.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the inventory pipeline and item store over HTTP
type Server struct {
	lens     *inventorylens.Lens
	hub      *Hub
	cfg      config.ServerConfig
	imageDir string
	logger   *log.Logger
}

// New creates a server. hub may be nil when no progress stream is wanted.
func New(lens *inventorylens.Lens, hub *Hub, cfg config.ServerConfig, imageDir string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{lens: lens, hub: hub, cfg: cfg, imageDir: imageDir, logger: logger}
}

// Routes returns the HTTP handler for every endpoint
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/analyze", s.handleAnalyze)
	mux.HandleFunc("GET /api/items", s.handleListItems)
	mux.HandleFunc("GET /api/items/{id}", s.handleGetItem)
	mux.HandleFunc("GET /api/items/{id}/image", s.handleItemImage)
	mux.HandleFunc("DELETE /api/items/{id}", s.handleDeleteItem)
	if s.hub != nil {
		mux.HandleFunc("GET /api/events", s.handleEvents)
	}
	return mux
}

type analyzeResponse struct {
	Summary string                `json:"summary"`
	Report  *types.AnalysisReport `json:"report"`
	Items   []store.Item          `json:"items,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "version": inventorylens.Version}
	if err := s.lens.CheckConfig(); err != nil {
		status["status"] = "degraded"
		status["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	catalog := r.URL.Query().Get("catalog") == "true"
	if catalog && s.lens.Store() == nil {
		writeError(w, http.StatusServiceUnavailable, "no item store configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid upload: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing image field")
		return
	}
	defer file.Close()

	var report *types.AnalysisReport
	if s.cfg.SpoolUploads {
		report, err = s.analyzeSpooled(r, file)
	} else {
		var data []byte
		data, err = io.ReadAll(file)
		if err == nil {
			report, err = s.lens.AnalyzeBytes(r.Context(), data)
		}
	}
	if err != nil {
		s.logger.Printf("ERROR analyze: %v", err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	resp := analyzeResponse{Summary: inventorylens.Summary(report), Report: report}
	if catalog {
		items, err := s.lens.Catalog(r.Context(), report, s.imageDir)
		if err != nil {
			s.logger.Printf("ERROR catalog: %v", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Items = items
	}

	s.logger.Printf("INFO analyze: %s", resp.Summary)
	writeJSON(w, http.StatusOK, resp)
}

// analyzeSpooled copies the upload to a temporary file, analyzes it and
// removes the file on every path
func (s *Server) analyzeSpooled(r *http.Request, upload io.Reader) (*types.AnalysisReport, error) {
	tmp, err := os.CreateTemp("", "inventory-upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to spool upload: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, upload); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to spool upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to spool upload: %w", err)
	}
	return s.lens.Analyze(r.Context(), tmp.Name())
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	items := s.lens.Store()
	if items == nil {
		writeError(w, http.StatusServiceUnavailable, "no item store configured")
		return
	}

	query := r.URL.Query()
	var list []store.Item
	var err error
	filtered := false
	for _, field := range []string{"name", "category", "room", "condition"} {
		if value := query.Get(field); value != "" {
			list, err = items.ListByField(r.Context(), field, value)
			filtered = true
			break
		}
	}
	if !filtered {
		list, err = items.List(r.Context())
	}
	if err != nil {
		s.logger.Printf("ERROR list items: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, ok := s.lookupItem(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleItemImage(w http.ResponseWriter, r *http.Request) {
	item, ok := s.lookupItem(w, r)
	if !ok {
		return
	}
	if item.ImageRef == "" {
		writeError(w, http.StatusNotFound, "item has no image")
		return
	}
	http.ServeFile(w, r, item.ImageRef)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	items := s.lens.Store()
	if items == nil {
		writeError(w, http.StatusServiceUnavailable, "no item store configured")
		return
	}

	err := items.Delete(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Printf("ERROR delete item: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to delete item")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookupItem(w http.ResponseWriter, r *http.Request) (*store.Item, bool) {
	items := s.lens.Store()
	if items == nil {
		writeError(w, http.StatusServiceUnavailable, "no item store configured")
		return nil, false
	}

	item, err := items.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	if err != nil {
		s.logger.Printf("ERROR get item: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get item")
		return nil, false
	}
	return item, true
}

// handleEvents streams pipeline progress events to a websocket viewer
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	connection, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("ERROR websocket upgrade: %v", err)
		return
	}

	s.hub.Register(connection)
	defer s.hub.Unregister(connection)

	connection.SetReadLimit(512)
	for {
		if _, _, err := connection.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("WARN websocket: viewer disconnected: %v", err)
			}
			return
		}
	}
}

// statusFor maps pipeline errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, inventorylens.ErrInvalidImage):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrConfiguration):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrAnalysisParse), errors.Is(err, types.ErrDetectionService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
