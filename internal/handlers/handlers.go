package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"go.uber.org/zap"

	"github.com/example/faceverify/internal/auth"
	"github.com/example/faceverify/internal/face"
	"github.com/example/faceverify/internal/logging"
	"github.com/example/faceverify/internal/usecase"
)

// MaxUploadSize is the largest accepted image upload.
const MaxUploadSize = face.MaxImageBytes

// multipartOverhead leaves room for form boundaries and the other fields.
const multipartOverhead = 1 << 20

// RequestIDHeader carries the per-request identifier.
const RequestIDHeader = "X-Request-ID"

// StatusClientClosedRequest is reported when the caller went away before the
// pipeline finished.
const StatusClientClosedRequest = 499

var allowedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// FaceService is the use case surface the transport depends on.
type FaceService interface {
	Encode(ctx context.Context, subject string, image []byte) (*usecase.EncodeResult, error)
	Compare(ctx context.Context, req usecase.CompareRequest) (face.ComparisonResult, error)
	Search(ctx context.Context, image []byte, threshold *float64, limit int) ([]usecase.SearchHit, error)
	Get(ctx context.Context, id uint) (*usecase.Record, error)
	Ready() bool
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Liveness and
// readiness stay outside authMiddleware.
func RegisterRoutes(router *gin.Engine, svc FaceService, logger *zap.Logger, authMiddleware gin.HandlerFunc) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{svc: svc, logger: logger.Named("http")}

	router.Use(requestID())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP", "message": "Face verification service is running."})
	})

	router.GET("/ready", func(c *gin.Context) {
		if !svc.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "LOADING"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "READY"})
	})

	api := router.Group("/", authMiddleware)
	api.POST("/encode", h.encode)
	api.POST("/compare", h.compare)
	api.POST("/search", h.search)
	api.GET("/embeddings/:id", h.get)
}

type handler struct {
	svc    FaceService
	logger *zap.Logger
}

func (h *handler) encode(c *gin.Context) {
	data, err := readImage(c)
	if err != nil {
		h.fail(c, "http.encode", err)
		return
	}

	subject, _ := auth.Subject(c.Request.Context())
	result, err := h.svc.Encode(c.Request.Context(), subject, data)
	if err != nil {
		h.fail(c, "http.encode", err)
		return
	}

	body := gin.H{
		"success":    true,
		"id":         result.ID,
		"embedding":  result.Embedding,
		"created_at": result.CreatedAt,
	}
	if len(result.Warnings) > 0 {
		body["warnings"] = result.Warnings
	}
	c.JSON(http.StatusOK, body)
}

func (h *handler) compare(c *gin.Context) {
	data, err := readImage(c)
	if err != nil {
		h.fail(c, "http.compare", err)
		return
	}

	threshold, err := parseThreshold(c.PostForm("threshold"))
	if err != nil {
		h.fail(c, "http.compare", err)
		return
	}

	req := usecase.CompareRequest{
		Image:           data,
		StoredEmbedding: strings.TrimSpace(c.PostForm("storedEmbedding")),
		Threshold:       threshold,
	}
	if raw := strings.TrimSpace(c.PostForm("storedId")); raw != "" && req.StoredEmbedding == "" {
		id, err := parseID(raw)
		if err != nil {
			h.fail(c, "http.compare", err)
			return
		}
		req.StoredID = id
	}

	result, err := h.svc.Compare(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "http.compare", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"isMatch":    result.IsMatch,
		"similarity": result.Similarity,
	})
}

func (h *handler) search(c *gin.Context) {
	data, err := readImage(c)
	if err != nil {
		h.fail(c, "http.search", err)
		return
	}

	threshold, err := parseThreshold(c.PostForm("threshold"))
	if err != nil {
		h.fail(c, "http.search", err)
		return
	}

	limit := 0
	if raw := c.PostForm("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "limit must be a positive integer", "code": "InvalidLimit"})
			return
		}
	}

	hits, err := h.svc.Search(c.Request.Context(), data, threshold, limit)
	if err != nil {
		h.fail(c, "http.search", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "matches": hits})
}

func (h *handler) get(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		h.fail(c, "http.get_embedding", err)
		return
	}

	record, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "http.get_embedding", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"id":         record.ID,
		"embedding":  record.Embedding,
		"created_at": record.CreatedAt,
	})
}

// fail writes the error response for err. Validation errors carry their
// message; internal errors are logged and reported generically.
func (h *handler) fail(c *gin.Context, operation string, err error) {
	requestID := c.GetString(string(requestIDKey))

	if errors.Is(err, context.Canceled) {
		logging.WithOperation(h.logger, operation, requestID).Info("request canceled by client")
		c.AbortWithStatusJSON(StatusClientClosedRequest, gin.H{
			"success": false,
			"error":   "request canceled",
			"code":    "Canceled",
			"codes":   []string{},
		})
		return
	}

	status, code := statusFor(err)
	codes := kindNames(err)

	message := strings.ReplaceAll(err.Error(), "\n", "; ")
	if status >= http.StatusInternalServerError {
		logging.WithOperation(h.logger, operation, requestID).Error("request failed",
			zap.Int("status", status), zap.Strings("codes", codes), zap.Error(err))
		message = "internal server error: " + face.Kind(code).Message()
	}

	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   message,
		"code":    code,
		"codes":   codes,
	})
}

func statusFor(err error) (int, string) {
	kinds := face.Kinds(err)
	if len(kinds) == 0 {
		return http.StatusInternalServerError, "Internal"
	}

	for _, k := range kinds {
		if k.Internal() {
			if k == face.KindTimeout {
				return http.StatusGatewayTimeout, string(k)
			}
			return http.StatusInternalServerError, string(k)
		}
	}

	switch k := kinds[0]; k {
	case face.KindImageTooLarge:
		return http.StatusRequestEntityTooLarge, string(k)
	case face.KindUnsupportedMediaType:
		return http.StatusUnsupportedMediaType, string(k)
	case face.KindNotFound:
		return http.StatusNotFound, string(k)
	default:
		return http.StatusBadRequest, string(k)
	}
}

func kindNames(err error) []string {
	kinds := face.Kinds(err)
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return names
}

// readImage returns the bytes of the "image" upload after checking its size
// and media type.
func readImage(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, face.Errorf(face.KindImageTooLarge, "%s (limit %d bytes)", face.ErrImageTooLarge.Message, MaxUploadSize)
		}
		return nil, face.ErrNoImageUploaded
	}
	if file.Size > MaxUploadSize {
		return nil, face.Errorf(face.KindImageTooLarge, "%s (limit %d bytes)", face.ErrImageTooLarge.Message, MaxUploadSize)
	}

	src, err := file.Open()
	if err != nil {
		return nil, face.ErrNoImageUploaded
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}

	if !allowedTypes[mediaType(file, data)] {
		return nil, face.ErrUnsupportedMediaType
	}

	return data, nil
}

// mediaType returns the declared part type, falling back to content
// sniffing when the client sent none or a generic one.
func mediaType(file *multipart.FileHeader, data []byte) string {
	declared, _, err := mime.ParseMediaType(file.Header.Get("Content-Type"))
	if err == nil && declared != "" && declared != "application/octet-stream" {
		return strings.ToLower(declared)
	}

	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		return ""
	}
	return kind.MIME.Value
}

func parseThreshold(raw string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := strconv.ParseFloat(raw, 64)
	if err != nil || !face.ValidThreshold(t) {
		return nil, face.ErrInvalidThreshold
	}
	return &t, nil
}

func parseID(raw string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, face.Errorf(face.KindNotFound, "embedding %q not found", raw)
	}
	return uint(id), nil
}

type contextKey string

const requestIDKey contextKey = "requestID"

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(string(requestIDKey), id)
		c.Request = c.Request.WithContext(usecase.WithRequestID(c.Request.Context(), id))
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}
