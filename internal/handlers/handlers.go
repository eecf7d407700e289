package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"

	"github.com/example/food-calorie/internal/apperr"
	"github.com/example/food-calorie/internal/auth"
	"github.com/example/food-calorie/internal/dispatch"
	"github.com/example/food-calorie/internal/history"
	"github.com/example/food-calorie/internal/metrics"
	"github.com/example/food-calorie/internal/repository"
)

const (
	uploadField    = "file"
	recommendation = "Suitable for your diet"
	// multipartSlack covers multipart framing and form fields on top of the file itself.
	multipartSlack = 64 << 10
)

// MealDetails is a manually submitted meal. Both fields are optional.
type MealDetails struct {
	Description *string  `json:"description,omitempty" form:"description" binding:"omitempty,max=2000"`
	Calories    *float64 `json:"calories,omitempty" form:"calories" binding:"omitempty,gte=0"`
}

// Dependencies are the services the HTTP surface calls into.
type Dependencies struct {
	Dispatcher     *dispatch.Dispatcher
	History        *history.Service
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	MaxUploadBytes int64
}

// NewRouter builds the gin engine with recovery, request logging and permissive CORS.
func NewRouter(logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"*"}
	router.Use(cors.New(corsConfig))
	return router
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Dependencies, authMiddleware gin.HandlerFunc) {
	h := &handler{
		dispatcher:     deps.Dispatcher,
		history:        deps.History,
		metrics:        deps.Metrics,
		logger:         deps.Logger.Named("handlers"),
		maxUploadBytes: deps.MaxUploadBytes,
	}
	router.MaxMultipartMemory = deps.MaxUploadBytes + multipartSlack

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Food Calorie Detector Backend is running"})
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	limit := bodyLimit(deps.MaxUploadBytes + multipartSlack)
	router.POST("/upload-image/", limit, authMiddleware, h.uploadImage)
	router.POST("/submit-meal/", limit, authMiddleware, h.submitMeal)

	if deps.History != nil {
		router.GET("/estimates/:id", authMiddleware, h.getEstimate)
		router.GET("/estimates/:id/duplicates", authMiddleware, h.getDuplicates)
		router.GET("/summary", authMiddleware, h.getSummary)
	}
}

type handler struct {
	dispatcher     *dispatch.Dispatcher
	history        *history.Service
	metrics        *metrics.Metrics
	logger         *zap.Logger
	maxUploadBytes int64
}

func (h *handler) uploadImage(c *gin.Context) {
	const endpoint = "upload_image"

	identity, ok := auth.IdentityFromGin(c)
	if !ok {
		h.fail(c, endpoint, apperr.New(apperr.KindAuth, "handlers.upload_image", "credential required", auth.ErrInvalidCredential))
		return
	}

	file, err := c.FormFile(uploadField)
	if err != nil {
		h.fail(c, endpoint, formError(err))
		return
	}
	if file.Size > h.maxUploadBytes {
		h.fail(c, endpoint, apperr.Validation("handlers.upload_image", "file exceeds upload limit"))
		return
	}

	src, err := file.Open()
	if err != nil {
		h.fail(c, endpoint, apperr.New(apperr.KindValidation, "handlers.upload_image", "unable to open upload", err))
		return
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, h.maxUploadBytes+1))
	if err != nil {
		h.fail(c, endpoint, apperr.New(apperr.KindValidation, "handlers.upload_image", "failed to read upload", err))
		return
	}

	result, err := h.dispatcher.Dispatch(c.Request.Context(), identity, dispatch.UploadRequest{
		Data:          data,
		Filename:      file.Filename,
		ContentLength: file.Size,
	})
	if err != nil {
		h.fail(c, endpoint, err)
		return
	}

	body := gin.H{
		"filename":           result.Filename,
		"user_id":            result.UserID,
		"calories_estimated": result.Estimate.Calories(),
		"backend":            result.Estimate.Backend(),
		"request_id":         result.RequestID,
	}
	if confidence, ok := result.Estimate.Confidence(); ok {
		body["confidence"] = confidence
	}
	h.metrics.RecordRequest(endpoint, "completed")
	c.JSON(http.StatusOK, body)
}

func (h *handler) submitMeal(c *gin.Context) {
	const endpoint = "submit_meal"

	identity, ok := auth.IdentityFromGin(c)
	if !ok {
		h.fail(c, endpoint, apperr.New(apperr.KindAuth, "handlers.submit_meal", "credential required", auth.ErrInvalidCredential))
		return
	}

	var meal MealDetails
	var err error
	if c.ContentType() == gin.MIMEJSON {
		err = c.ShouldBindBodyWith(&meal, binding.JSON)
		if errors.Is(err, io.EOF) {
			err = binding.Validator.ValidateStruct(&meal)
		}
	} else {
		err = c.ShouldBind(&meal)
	}
	if err != nil {
		h.fail(c, endpoint, apperr.New(apperr.KindValidation, "handlers.submit_meal", "invalid meal details", err))
		return
	}

	h.metrics.RecordRequest(endpoint, "completed")
	c.JSON(http.StatusOK, gin.H{
		"meal":           meal,
		"user_id":        identity.UserID(),
		"recommendation": recommendation,
	})
}

func (h *handler) getEstimate(c *gin.Context) {
	identity, _ := auth.IdentityFromGin(c)
	log, err := h.history.Get(c.Request.Context(), identity, c.Param("id"))
	if err != nil {
		h.fail(c, "get_estimate", err)
		return
	}
	c.JSON(http.StatusOK, estimateBody(log))
}

func (h *handler) getDuplicates(c *gin.Context) {
	identity, _ := auth.IdentityFromGin(c)
	report, err := h.history.Duplicates(c.Request.Context(), identity, c.Param("id"))
	if err != nil {
		h.fail(c, "get_duplicates", err)
		return
	}

	duplicates := make([]gin.H, 0, len(report.Duplicates))
	for _, log := range report.Duplicates {
		duplicates = append(duplicates, estimateBody(log))
	}
	c.JSON(http.StatusOK, gin.H{
		"request":    estimateBody(report.Request),
		"duplicates": duplicates,
	})
}

func (h *handler) getSummary(c *gin.Context) {
	identity, _ := auth.IdentityFromGin(c)
	summary, err := h.history.Summary(c.Request.Context(), identity)
	if err != nil {
		h.fail(c, "get_summary", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) fail(c *gin.Context, endpoint string, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(err)
	h.metrics.RecordRequest(endpoint, string(kind))
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("endpoint", endpoint), zap.Int("status", status), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":   kind,
		"message": apperr.MessageOf(err),
	})
}

// bodyLimit rejects declared oversize bodies outright and caps the rest while they are read.
func bodyLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
				"error":   apperr.KindValidation,
				"message": "request body exceeds upload limit",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

func formError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperr.New(apperr.KindValidation, "handlers.upload_image", "request body exceeds upload limit", err)
	}
	return apperr.New(apperr.KindValidation, "handlers.upload_image", "image file is required", err)
}

func estimateBody(log *repository.EstimateLog) gin.H {
	body := gin.H{
		"request_id": log.RequestID,
		"user_id":    log.UserID,
		"filename":   log.Filename,
		"backend":    log.Backend,
		"outcome":    log.Outcome,
		"sha1_hash":  log.SHA1Hash,
		"latency_ms": log.LatencyMs,
		"created_at": log.CreatedAt,
	}
	if log.Outcome == repository.OutcomeCompleted {
		body["calories_estimated"] = log.Calories
	} else {
		body["error"] = log.ErrorKind
	}
	return body
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
