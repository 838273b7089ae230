package intake

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"codeforge/internal/config"
	"codeforge/internal/store"
)

// NewServer builds the HTTP server with the intake routes mounted.
func NewServer(cfg *config.Config, svc *Service, log *zap.Logger) *http.Server {
	if log == nil {
		log = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(log.Named("http")), gin.Recovery())
	Routes(router, svc)

	return &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Routes mounts the intake endpoints on the router.
func Routes(router *gin.Engine, svc *Service) {
	router.GET("/healthz", handleHealth(svc))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/tasks", handleSubmit(svc))
		v1.GET("/tasks/:id", handleGet(svc))
		v1.POST("/tasks/:id/cancel", handleCancel(svc))
	}
}

func handleSubmit(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var sub Submission
		if err := c.ShouldBindJSON(&sub); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		task, err := svc.Submit(c.Request.Context(), sub)
		if err != nil {
			status := statusFor(err)
			if status == http.StatusTooManyRequests {
				c.Header("Retry-After", "1")
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"task-id":    task.ID,
			"status":     task.Status,
			"created-at": task.CreatedAt,
		})
	}
}

func handleGet(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := svc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

func handleCancel(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		task, err := svc.Cancel(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"task-id": task.ID,
			"status":  task.Status,
		})
	}
}

func handleHealth(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Healthy(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyTerminal):
		return http.StatusConflict
	case errors.Is(err, ErrOverloaded):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// requestLogger logs one line per request after it completes.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}
