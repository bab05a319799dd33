// Package restapi implements the HTTP gateway for image uploads.
package restapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mtiwari1/pixelledger/internal/admission"
	"github.com/mtiwari1/pixelledger/internal/auth"
	"github.com/mtiwari1/pixelledger/internal/blobstore"
	"github.com/mtiwari1/pixelledger/internal/classifier"
	"github.com/mtiwari1/pixelledger/internal/hasher"
	"github.com/mtiwari1/pixelledger/internal/registry"
	"github.com/mtiwari1/pixelledger/internal/repository"
	"github.com/mtiwari1/pixelledger/internal/worker"
)

// multipartMemory is how much of a multipart body is held in memory before
// spilling to temp files.
const multipartMemory = 8 << 20

// maxAnalyzeBytes caps the JSON body of /analyze.
const maxAnalyzeBytes = 64 << 10

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// StatsSource is satisfied by *worker.Pool.
type StatsSource interface {
	Stats() worker.Stats
}

// Deps are the collaborators of the REST handler.
type Deps struct {
	Pipeline       *admission.Pipeline
	Registry       registry.Client
	Repo           repository.Repository
	Blobs          *blobstore.FS
	Verifier       auth.Verifier
	Classifier     classifier.Classifier
	DB             Pinger      // optional, checked by /healthz
	Workers        StatsSource // optional, reported by /healthz
	SpoolDir       string
	MaxUploadBytes int64
}

// Handler holds dependencies for REST endpoints.
type Handler struct {
	Deps
	logger *slog.Logger
}

// NewHandler creates a new REST handler.
func NewHandler(deps Deps, logger *slog.Logger) *Handler {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = 32 << 20
	}
	if deps.Classifier == nil {
		deps.Classifier = classifier.NewLexicon(nil, nil)
	}
	return &Handler{Deps: deps, logger: logger}
}

// RegisterRoutes attaches all REST routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /upload", h.upload)
	mux.HandleFunc("GET /upload", h.listUploads)
	mux.HandleFunc("GET /upload/{id}", h.getUpload)
	mux.HandleFunc("GET /my-uploads", h.myUploads)
	mux.HandleFunc("POST /analyze", h.analyze)
	mux.HandleFunc("POST /check-duplicate", h.checkDuplicate)
	mux.HandleFunc("GET /registry", h.registryInfo)
	mux.HandleFunc("GET /registry/{index}", h.registryEntry)
	mux.HandleFunc("GET /blobs/{name}", h.blob)
	mux.HandleFunc("GET /healthz", h.healthz)
}

// requestLogger tags every log line of one request with a fresh id.
func (h *Handler) requestLogger() (string, *slog.Logger) {
	requestID := uuid.New().String()
	return requestID, h.logger.With(slog.String("request_id", requestID))
}

// ---------- POST /upload ----------

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	requestID, logger := h.requestLogger()
	logger.Info("upload request received")

	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		logger.Error("parse multipart form", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "error", "Image and message required", err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	messages, hasMessage := r.MultipartForm.Value["message"]
	if err != nil || !hasMessage {
		writeError(w, http.StatusBadRequest, "error", "Image and message required", nil)
		return
	}
	defer file.Close()

	submitter, ok := h.identify(w, r, logger)
	if !ok {
		return
	}
	logger = logger.With(slog.String("submitter", submitter))
	logger.Info("upload accepted for admission",
		slog.String("original_name", header.Filename),
		slog.Int64("size", header.Size),
	)

	out, err := h.Pipeline.Admit(r.Context(), admission.Request{
		RequestID: requestID,
		Image:     file,
		Message:   messages[0],
		Submitter: submitter,
	})
	if err != nil {
		if errors.Is(err, admission.ErrPolicyRejected) {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"status":    "rejected",
				"message":   "Message rejected: its sentiment is negative.",
				"sentiment": out.Classification.Label,
				"score":     out.Classification.Scores,
			})
			return
		}
		logger.Error("admission failed", slog.String("error", err.Error()))
		writeError(w, statusFor(err), "error", admissionMessage(err), err)
		return
	}

	if dup := out.Duplicate; dup != nil {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"status":       "duplicate",
			"message":      "This image is too similar to an existing image in the registry",
			"is_duplicate": true,
			"details": map[string]interface{}{
				"distance":             dup.Distance,
				"threshold":            dup.Threshold,
				"existing_image_index": dup.Index,
				"existing_uploader":    dup.Submitter,
				"timestamp":            dup.Timestamp,
			},
		})
		return
	}

	logger.Info("upload committed",
		slog.String("record_id", out.RecordID),
		slog.String("tx_id", out.Receipt.TxID),
		slog.Int64("index", out.Receipt.Index),
	)

	w.Header().Set("Location", "/upload/"+out.RecordID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"message":         "Image registered; storage in progress",
		"request_id":      out.RequestID,
		"id":              out.RecordID,
		"sha256":          out.Digest.ContentHash,
		"perceptual_hash": out.Digest.PerceptualHash,
		"blockchain_tx":   out.Receipt.TxID,
		"index":           out.Receipt.Index,
		"sentiment":       out.Classification.Label,
		"score":           out.Classification.Scores,
		"queued":          out.Queued,
	})
}

// identify resolves the submitter or writes a 401.
func (h *Handler) identify(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (string, bool) {
	submitter, err := h.Verifier.Identify(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		logger.Warn("authentication failed", slog.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, "error", "Invalid or missing token", nil)
		return "", false
	}
	return submitter, true
}

// ---------- POST /check-duplicate ----------

func (h *Handler) checkDuplicate(w http.ResponseWriter, r *http.Request) {
	_, logger := h.requestLogger()
	logger.Info("duplicate check request received")

	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "error", "Image required", nil)
		return
	}
	defer file.Close()
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	if _, ok := h.identify(w, r, logger); !ok {
		return
	}

	res, err := h.Pipeline.Check(r.Context(), file)
	if err != nil {
		logger.Error("duplicate check failed", slog.String("error", err.Error()))
		writeError(w, statusFor(err), "error", admissionMessage(err), err)
		return
	}

	body := map[string]interface{}{
		"status":          "unique",
		"is_duplicate":    false,
		"message":         "Image is unique",
		"perceptual_hash": res.Digest.PerceptualHash,
		"min_distance":    res.Result.MinDistance,
	}
	if res.Result.IsDuplicate {
		similar := make([]map[string]interface{}, 0, len(res.Result.Matches))
		for _, m := range res.Result.Matches {
			similar = append(similar, map[string]interface{}{
				"index":     m.Index,
				"timestamp": m.Record.Timestamp,
				"distance":  m.Distance,
				"uploader":  m.Record.Submitter,
			})
		}
		body["status"] = "duplicate"
		body["is_duplicate"] = true
		body["message"] = "Similar image already exists in the registry"
		body["similar_images"] = similar
	}
	writeJSON(w, http.StatusOK, body)
}

// ---------- GET /upload ----------

func (h *Handler) listUploads(w http.ResponseWriter, r *http.Request) {
	_, logger := h.requestLogger()
	logger.Info("list uploads request")

	records, err := h.Repo.ListAll(r.Context())
	if err != nil {
		logger.Error("list uploads", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "error", "internal server error", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"uploads": recordsJSON(records)})
}

// ---------- GET /my-uploads ----------

func (h *Handler) myUploads(w http.ResponseWriter, r *http.Request) {
	_, logger := h.requestLogger()

	submitter, ok := h.identify(w, r, logger)
	if !ok {
		return
	}
	logger = logger.With(slog.String("submitter", submitter))
	logger.Info("list own uploads request")

	records, err := h.Repo.ListBySubmitter(r.Context(), submitter)
	if err != nil {
		logger.Error("list own uploads", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "error", "internal server error", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"uploads": recordsJSON(records)})
}

func recordsJSON(records []*repository.UploadRecord) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		out = append(out, recordJSON(rec))
	}
	return out
}

// ---------- GET /upload/{id} ----------

func (h *Handler) getUpload(w http.ResponseWriter, r *http.Request) {
	_, logger := h.requestLogger()

	id := r.PathValue("id")
	logger.Info("get upload request", slog.String("record_id", id))

	rec, err := h.Repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "error", "upload not found", nil)
			return
		}
		logger.Error("get upload", slog.String("record_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "error", "internal server error", nil)
		return
	}
	writeJSON(w, http.StatusOK, recordJSON(rec))
}

func recordJSON(rec *repository.UploadRecord) map[string]interface{} {
	return map[string]interface{}{
		"id":              rec.ID,
		"username":        rec.Submitter,
		"file_url":        rec.FileURL,
		"hash":            rec.ContentHash,
		"perceptual_hash": rec.PerceptualHash,
		"tx_id":           rec.TxID,
		"ledger_index":    rec.LedgerIndex,
		"sentiment":       rec.Sentiment,
		"score":           rec.Score,
		"sealed_message":  rec.SealedMessage,
		"metadata":        rec.Metadata,
		"created_at":      rec.CreatedAt,
	}
}

// ---------- POST /analyze ----------

type analyzeRequest struct {
	Comment string `json:"comment"`
	Text    string `json:"text"`
}

// analyze scores free text without touching the registry.
func (h *Handler) analyze(w http.ResponseWriter, r *http.Request) {
	_, logger := h.requestLogger()

	if _, ok := h.identify(w, r, logger); !ok {
		return
	}

	var req analyzeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxAnalyzeBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "error", "invalid JSON body", err)
		return
	}
	text := req.Comment
	if text == "" {
		text = req.Text
	}
	if strings.TrimSpace(text) == "" {
		writeError(w, http.StatusBadRequest, "error", "Comment required", nil)
		return
	}

	c, err := h.Classifier.Classify(r.Context(), text)
	if err != nil {
		logger.Error("classify", slog.String("error", err.Error()))
		writeError(w, statusFor(err), "error", "internal server error", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sentiment": c.Label,
		"score":     c.Scores,
	})
}

// ---------- GET /registry, GET /registry/{index} ----------

func (h *Handler) registryInfo(w http.ResponseWriter, r *http.Request) {
	n, err := h.Registry.Count(r.Context())
	if err != nil {
		writeError(w, statusFor(err), "error", "registry unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": n})
}

func (h *Handler) registryEntry(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseInt(r.PathValue("index"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "error", "index must be an integer", nil)
		return
	}

	rec, err := h.Registry.GetEntry(r.Context(), index)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "error", "no registry entry at that index", nil)
			return
		}
		writeError(w, statusFor(err), "error", "registry unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ---------- GET /blobs/{name} ----------

func (h *Handler) blob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	f, err := h.Blobs.Open(name)
	if err != nil {
		switch {
		case errors.Is(err, blobstore.ErrInvalidName):
			http.Error(w, "invalid blob name", http.StatusBadRequest)
		case errors.Is(err, fs.ErrNotExist):
			http.Error(w, "blob not found", http.StatusNotFound)
		default:
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// ---------- GET /healthz ----------

// healthz verifies the registry, the metadata database and the spool directory.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	result := map[string]interface{}{"status": "ok"}
	httpStatus := http.StatusOK
	degrade := func(key, detail string) {
		result["status"] = "degraded"
		result[key] = detail
		httpStatus = http.StatusServiceUnavailable
	}

	if h.Registry.IsReachable(ctx) {
		result["registry"] = "reachable"
	} else {
		degrade("registry", "unreachable")
	}

	if h.DB != nil {
		if err := h.DB.PingContext(ctx); err != nil {
			degrade("database", "unreachable: "+err.Error())
		} else {
			result["database"] = "connected"
		}
	}

	if _, err := os.Stat(h.SpoolDir); err != nil {
		degrade("disk", "spool dir inaccessible: "+err.Error())
	} else {
		result["disk"] = "ok"
	}

	if h.Workers != nil {
		result["workers"] = h.Workers.Stats()
	}

	writeJSON(w, httpStatus, result)
}

// ---------- helpers ----------

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError writes the {status, message[, error]} failure body.
func writeError(w http.ResponseWriter, code int, state, message string, err error) {
	body := map[string]string{"status": state, "message": message}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, code, body)
}

// statusFor maps pipeline and registry errors to HTTP status codes.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, admission.ErrPolicyRejected),
		errors.Is(err, admission.ErrEmptyUpload),
		errors.Is(err, hasher.ErrDecode),
		errors.Is(err, multipart.ErrMessageTooLarge):
		return http.StatusBadRequest
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrRegistryUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, registry.ErrRegistryRejected):
		return http.StatusInternalServerError
	}
	return grpcToHTTPStatus(err)
}

func admissionMessage(err error) string {
	switch {
	case errors.Is(err, admission.ErrEmptyUpload):
		return "Image required"
	case errors.Is(err, hasher.ErrDecode):
		return "Uploaded file is not a supported image"
	case errors.Is(err, registry.ErrRegistryUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return "Registry unavailable, retry later"
	case errors.Is(err, registry.ErrRegistryRejected):
		return "Registry refused the write"
	}
	return "internal server error"
}

// grpcToHTTPStatus maps gRPC status codes to HTTP status codes.
func grpcToHTTPStatus(err error) int {
	st, ok := status.FromError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch st.Code() {
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
