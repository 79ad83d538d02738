package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"

	"calibration-backend/internal/apperr"
	"calibration-backend/internal/blob"
	"calibration-backend/internal/broadcast"
	"calibration-backend/internal/service"
	"calibration-backend/internal/store"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	svc       *service.Service
	store     store.Store
	blobs     *blob.Store
	hub       *broadcast.Hub
	webpush   *webpush.Options
	maxUpload int64
	keepAlive time.Duration
	logger    *slog.Logger
}

// Options configures NewHandler. Store is only used for push subscriptions;
// records always go through Service.
type Options struct {
	Service        *service.Service
	Store          store.Store
	Blobs          *blob.Store
	Hub            *broadcast.Hub
	WebPush        *webpush.Options
	MaxUploadBytes int64
	// KeepAlive is the interval of comment pings on idle event streams.
	KeepAlive time.Duration
	Logger    *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 25 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		svc:       opts.Service,
		store:     opts.Store,
		blobs:     opts.Blobs,
		hub:       opts.Hub,
		webpush:   opts.WebPush,
		maxUpload: opts.MaxUploadBytes,
		keepAlive: opts.KeepAlive,
		logger:    opts.Logger.With("component", "api"),
	}
}

// respondError maps service errors to status codes. Unexpected errors are
// attached to the context for the request logger and answered with a generic
// message.
func respondError(c *gin.Context, err error) {
	switch {
	case apperr.IsValidation(err):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case apperr.IsNotFound(err):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// Healthz reports that the process is serving requests.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
