package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/clearscan/ocr-service/internal/config"
	"github.com/clearscan/ocr-service/internal/db"
	"github.com/clearscan/ocr-service/internal/engine"
	"github.com/clearscan/ocr-service/internal/langdata"
	"github.com/clearscan/ocr-service/internal/models"
	"github.com/clearscan/ocr-service/internal/ocr"
	"github.com/clearscan/ocr-service/internal/storage"
)

const Version = "1.0.0"

// formReadHeadroom is extra room on top of the upload limit so the validator
// can classify a slightly-oversized image itself instead of the body reader
// killing the request first. Multipart framing also eats into the budget.
const formReadHeadroom = 1 << 20

// Recognizer runs one recognition request through the pipeline.
type Recognizer interface {
	Recognize(ctx context.Context, req models.RecognitionRequest) (*models.RecognitionResult, error)
}

// LanguageSource exposes the language registry to the HTTP layer.
type LanguageSource interface {
	Available() ([]langdata.Model, error)
	CheckDefault() error
	DefaultLanguage() string
}

// PoolStatus exposes engine pool health to the probe.
type PoolStatus interface {
	UsableCount() int
	Replacements() uint64
}

// Handler handles HTTP requests for the OCR service.
type Handler struct {
	config    *config.Config
	service   Recognizer
	languages LanguageSource
	pool      PoolStatus
	archive   *db.Archive    // nil when persistence is disabled
	store     *storage.Store // nil when the upload archive is disabled
}

// NewHandler creates a new API handler. archive and store may be nil.
func NewHandler(cfg *config.Config, service Recognizer, languages LanguageSource, pool PoolStatus, archive *db.Archive, store *storage.Store) *Handler {
	return &Handler{
		config:    cfg,
		service:   service,
		languages: languages,
		pool:      pool,
		archive:   archive,
		store:     store,
	}
}

// SetupRoutes configures the HTTP routes.
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/v1/images", h.RecognizeImage).Methods("POST")
	router.HandleFunc("/v1/languages", h.Languages).Methods("GET")
	router.HandleFunc("/health", h.Health).Methods("GET")

	return router
}

// ImagesResponse is the success payload for POST /v1/images.
type ImagesResponse struct {
	Text       string        `json:"text"`
	RequestID  string        `json:"requestId"`
	Languages  []string      `json:"languages"`
	Duration   float64       `json:"duration"` // seconds
	Confidence float64       `json:"confidence"`
	Words      []models.Word `json:"words,omitempty"`
}

// LanguagesResponse lists the trained models available on disk.
type LanguagesResponse struct {
	Languages []langdata.Model `json:"languages"`
}

// RecognizeImage performs OCR on an uploaded image.
//
// Multipart fields: "file" or "image" (the payload), optional "language"
// ("+"-separated codes, e.g. "eng+fra"), "model" (trained-data variant),
// "psm" (page segmentation mode), "whitelist" (restrict recognition to the
// given characters) and "dpi" (resolution hint).
func (h *Handler) RecognizeImage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ctx := r.Context()

	if h.config.Server.UploadLimitEnabled {
		r.Body = http.MaxBytesReader(w, r.Body, h.config.Server.UploadMaxSize+formReadHeadroom)
	}
	if err := r.ParseMultipartForm(h.config.Server.UploadMaxSize + formReadHeadroom); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) || errors.Is(err, multipart.ErrMessageTooLarge) {
			h.sendError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.sendError(w, http.StatusBadRequest, "invalid multipart form data")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		file, header, err = r.FormFile("image")
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "no file provided (use 'file' or 'image' field)")
			return
		}
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to read file")
		return
	}

	req := models.RecognitionRequest{
		Image:       data,
		ContentType: header.Header.Get("Content-Type"),
		Languages:   splitLanguages(r.FormValue("language")),
		Model:       r.FormValue("model"),
		Whitelist:   r.FormValue("whitelist"),
	}
	if psm := r.FormValue("psm"); psm != "" {
		n, err := strconv.Atoi(psm)
		if err != nil || n < 0 || n > 13 {
			h.sendError(w, http.StatusBadRequest, "psm must be an integer between 0 and 13")
			return
		}
		req.PageSegMode = &n
	}
	if dpi := r.FormValue("dpi"); dpi != "" {
		n, err := strconv.Atoi(dpi)
		if err != nil || n < 0 {
			h.sendError(w, http.StatusBadRequest, "dpi must be a non-negative integer")
			return
		}
		req.DPI = n
	}
	if req.Model != "" && len(req.Languages) > 1 {
		h.sendError(w, http.StatusBadRequest, "model variant requires exactly one language")
		return
	}

	result, err := h.service.Recognize(ctx, req)
	if err != nil {
		h.writeRecognitionError(w, err)
		return
	}

	h.archiveResult(result, req, data)

	json.NewEncoder(w).Encode(ImagesResponse{
		Text:       result.Text,
		RequestID:  result.RequestID,
		Languages:  result.Languages,
		Duration:   result.Duration.Seconds(),
		Confidence: result.MeanConfidence,
		Words:      result.Words,
	})
}

// archiveResult persists the outcome when the optional archives are
// configured. Failures are logged, never surfaced: archiving is best-effort.
func (h *Handler) archiveResult(result *models.RecognitionResult, req models.RecognitionRequest, data []byte) {
	if h.archive == nil && h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var objectKey string
	if h.store != nil {
		key, err := h.store.SaveUpload(ctx, result.RequestID, data, req.ContentType)
		if err != nil {
			log.Printf("Warning: failed to archive upload: %v", err)
		} else {
			objectKey = key
		}
	}
	if h.archive != nil {
		rec := &db.Record{
			RequestID:  result.RequestID,
			Languages:  strings.Join(result.Languages, "+"),
			ImageBytes: int64(len(data)),
			DurationMS: result.Duration.Milliseconds(),
			Text:       result.Text,
			Confidence: result.MeanConfidence,
			ObjectKey:  objectKey,
		}
		if err := h.archive.SaveRecord(ctx, rec); err != nil {
			log.Printf("Warning: failed to save recognition record: %v", err)
		}
	}
}

// writeRecognitionError maps pipeline errors onto HTTP statuses: client
// input faults are 4xx, pool saturation is 503, engine faults are 5xx.
func (h *Handler) writeRecognitionError(w http.ResponseWriter, err error) {
	var validationErr *ocr.ValidationError
	var invalidLang *langdata.InvalidLanguageError
	var assetMissing *langdata.AssetMissingError
	var engineFailure *engine.FailureError

	switch {
	case errors.As(err, &validationErr):
		status := http.StatusBadRequest
		if validationErr.Reason == ocr.ReasonTooLarge {
			status = http.StatusRequestEntityTooLarge
		}
		h.sendError(w, status, validationErr.Error())
	case errors.As(err, &invalidLang):
		h.sendError(w, http.StatusBadRequest, invalidLang.Error())
	case errors.As(err, &assetMissing):
		log.Printf("Error: %v", assetMissing)
		h.sendError(w, http.StatusInternalServerError, assetMissing.Error())
	case errors.Is(err, engine.ErrAcquireTimeout), errors.Is(err, engine.ErrPoolClosed):
		h.sendError(w, http.StatusServiceUnavailable, "all recognition instances are busy, retry later")
	case errors.Is(err, context.DeadlineExceeded):
		h.sendError(w, http.StatusRequestTimeout, "request deadline exceeded")
	case errors.Is(err, context.Canceled):
		// Client is gone; nothing useful to write.
	case errors.As(err, &engineFailure):
		log.Printf("Error: %v", engineFailure)
		h.sendError(w, http.StatusInternalServerError, "recognition failed")
	default:
		log.Printf("Error: %v", err)
		h.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

// Languages lists every trained model found in the data directory.
func (h *Handler) Languages(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	available, err := h.languages.Available()
	if err != nil {
		log.Printf("Error: %v", err)
		h.sendError(w, http.StatusInternalServerError, "failed to list languages")
		return
	}
	if available == nil {
		available = []langdata.Model{}
	}
	json.NewEncoder(w).Encode(LanguagesResponse{Languages: available})
}

// HealthResponse represents the health check response structure.
type HealthResponse struct {
	Status      string        `json:"status"`
	Version     string        `json:"version"`
	Timestamp   string        `json:"timestamp"`
	Uptime      string        `json:"uptime"`
	Engine      ServiceStatus `json:"engine"`
	TrainedData ServiceStatus `json:"trainedData"`
	Database    ServiceStatus `json:"database"`
	Storage     ServiceStatus `json:"storage"`
}

// ServiceStatus represents the status of a service dependency.
type ServiceStatus struct {
	Available bool   `json:"available"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

var startTime = time.Now()

// Health reports healthy only while the pool has at least one usable
// instance and the default language's trained data resolves; otherwise
// degraded with a 503, which is what the external probe keys on. Database
// and storage are reported but never degrade the service: it runs without
// them by design of their packages.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	engineStatus := h.checkEngine()
	trainedDataStatus := h.checkTrainedData()

	response := HealthResponse{
		Status:      "healthy",
		Version:     Version,
		Timestamp:   time.Now().Format(time.RFC3339),
		Uptime:      time.Since(startTime).String(),
		Engine:      engineStatus,
		TrainedData: trainedDataStatus,
		Database:    h.checkDatabase(r.Context()),
		Storage:     h.checkStorage(r.Context()),
	}

	if !engineStatus.Available || !trainedDataStatus.Available {
		response.Status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}

func (h *Handler) checkEngine() ServiceStatus {
	usable := h.pool.UsableCount()
	status := ServiceStatus{
		Available: usable > 0,
		Detail:    fmt.Sprintf("%d usable instance(s), %d replaced", usable, h.pool.Replacements()),
	}
	if usable == 0 {
		status.Error = "no usable engine instances"
	}
	return status
}

func (h *Handler) checkTrainedData() ServiceStatus {
	if err := h.languages.CheckDefault(); err != nil {
		return ServiceStatus{Available: false, Error: err.Error()}
	}
	return ServiceStatus{
		Available: true,
		Detail:    fmt.Sprintf("default language %q resolved", h.languages.DefaultLanguage()),
	}
}

func (h *Handler) checkDatabase(ctx context.Context) ServiceStatus {
	if h.archive == nil {
		return ServiceStatus{Available: false, Error: "archive not configured"}
	}
	if err := h.archive.Ping(ctx); err != nil {
		return ServiceStatus{Available: false, Error: err.Error()}
	}
	return ServiceStatus{Available: true}
}

func (h *Handler) checkStorage(ctx context.Context) ServiceStatus {
	if h.store == nil {
		return ServiceStatus{Available: false, Error: "storage not configured"}
	}
	if err := h.store.Ping(ctx); err != nil {
		return ServiceStatus{Available: false, Error: err.Error()}
	}
	return ServiceStatus{Available: true}
}

func (h *Handler) sendError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func splitLanguages(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, "+")
	codes := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			codes = append(codes, p)
		}
	}
	return codes
}
