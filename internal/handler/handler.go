package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/centromex/vassist/internal/db"
	"github.com/centromex/vassist/internal/lifecycle"
	"github.com/centromex/vassist/internal/models"
)

// Lifecycle is the part of the engine the HTTP boundary drives.
type Lifecycle interface {
	Create(ctx context.Context, in lifecycle.NewRequest) (*models.Request, error)
	Claim(ctx context.Context, id, fulfillerName string) (*models.Request, error)
	Advance(ctx context.Context, id string, target models.RequestStatus) (*models.Request, error)
	Complete(ctx context.Context, id, code string) (*models.Request, error)
	Cancel(ctx context.Context, id string) (*models.Request, error)
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	ListRequests(ctx context.Context, status models.RequestStatus, limit int) ([]models.Request, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

const healthTimeout = 2 * time.Second

type Handler struct {
	engine    Lifecycle
	store     Pinger
	zapLogger *zap.Logger
}

// NewRouter builds the gin engine with middleware and every route.
func NewRouter(engine Lifecycle, store Pinger, zapLogger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(RequestID(), ZapLogger(zapLogger), gin.Recovery(), CORS())
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"success": false, "error": "Method not allowed"})
	})
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Not found"})
	})
	SetupHandlers(r, engine, store, zapLogger)
	return r
}

func SetupHandlers(r *gin.Engine, engine Lifecycle, store Pinger, zapLogger *zap.Logger) {
	h := &Handler{engine: engine, store: store, zapLogger: zapLogger}

	api := r.Group("/api")
	api.POST("/create-request", h.CreateRequest)
	api.POST("/accept-request", h.AcceptRequest)
	api.POST("/update-status", h.UpdateStatus)
	api.POST("/verify-otp", h.VerifyCode)
	api.POST("/cancel-request", h.CancelRequest)
	api.GET("/get-requests", h.GetRequests)
	api.GET("/poll", h.Poll)

	r.GET("/healthz", h.Health)
}

func (h *Handler) CreateRequest(c *gin.Context) {
	var in lifecycle.NewRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badJSON(c, err)
		return
	}

	req, err := h.engine.Create(c.Request.Context(), in)
	if err != nil {
		h.fail(c, "create request", in.ID, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "id": req.ID})
}

type acceptBody struct {
	ID            string `json:"id"`
	FulfillerName string `json:"fulfiller_name"`
}

func (h *Handler) AcceptRequest(c *gin.Context) {
	var body acceptBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badJSON(c, err)
		return
	}

	req, err := h.engine.Claim(c.Request.Context(), body.ID, body.FulfillerName)
	if err != nil {
		h.fail(c, "accept request", body.ID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"id":             req.ID,
		"status":         req.Status,
		"fulfiller_name": req.Fulfiller(),
	})
}

type statusBody struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (h *Handler) UpdateStatus(c *gin.Context) {
	var body statusBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badJSON(c, err)
		return
	}
	if strings.TrimSpace(body.Status) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "status is required"})
		return
	}

	req, err := h.engine.Advance(c.Request.Context(), body.ID, models.RequestStatus(body.Status))
	if err != nil {
		h.fail(c, "update status", body.ID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "id": req.ID, "status": req.Status})
}

type verifyBody struct {
	ID         string `json:"id"`
	SecretCode string `json:"secret_code"`
}

func (h *Handler) VerifyCode(c *gin.Context) {
	var body verifyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badJSON(c, err)
		return
	}

	req, err := h.engine.Complete(c.Request.Context(), body.ID, body.SecretCode)
	if err != nil {
		h.fail(c, "verify code", body.ID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Delivery verified",
		"id":      req.ID,
		"status":  req.Status,
	})
}

type cancelBody struct {
	ID string `json:"id"`
}

func (h *Handler) CancelRequest(c *gin.Context) {
	var body cancelBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badJSON(c, err)
		return
	}

	req, err := h.engine.Cancel(c.Request.Context(), body.ID)
	if err != nil {
		h.fail(c, "cancel request", body.ID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "id": req.ID, "status": req.Status})
}

// GetRequests returns one record when id is given, otherwise the newest
// records in a status (PENDING by default).
func (h *Handler) GetRequests(c *gin.Context) {
	if id := c.Query("id"); id != "" {
		req, err := h.engine.GetRequest(c.Request.Context(), id)
		if err != nil {
			h.fail(c, "get request", id, err)
			return
		}
		c.JSON(http.StatusOK, req)
		return
	}

	status := models.StatusPending
	if raw := c.Query("status"); raw != "" {
		parsed, err := models.ParseStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid status"})
			return
		}
		status = parsed
	}

	limit := lifecycle.MaxListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid limit"})
			return
		}
		limit = n
	}

	requests, err := h.engine.ListRequests(c.Request.Context(), status, limit)
	if err != nil {
		h.fail(c, "list requests", "", err)
		return
	}
	if requests == nil {
		requests = []models.Request{}
	}
	c.JSON(http.StatusOK, requests)
}

// Poll answers null instead of 404 for a missing request.
func (h *Handler) Poll(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "id is required"})
		return
	}

	req, err := h.engine.GetRequest(c.Request.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusOK, nil)
		return
	}
	if err != nil {
		h.fail(c, "poll request", id, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.zapLogger.Error("Health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) badJSON(c *gin.Context, err error) {
	h.zapLogger.Info("Invalid request body", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid JSON body"})
}

// fail maps lifecycle and store errors to a status code and a message safe
// to show the caller.
func (h *Handler) fail(c *gin.Context, op, id string, err error) {
	status, message := classify(err)
	if status >= http.StatusInternalServerError {
		h.zapLogger.Error(op, zap.String("id", id), zap.Error(err))
	} else {
		h.zapLogger.Info(op+" rejected", zap.String("id", id), zap.Int("status", status), zap.Error(err))
	}
	c.JSON(status, gin.H{"success": false, "error": message})
}

func classify(err error) (int, string) {
	var validation *lifecycle.ValidationError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, strings.Join(validation.Problems, "; ")
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound, "Request not found"
	case errors.Is(err, lifecycle.ErrInvalidCode):
		return http.StatusForbidden, "Invalid secret code"
	case errors.Is(err, lifecycle.ErrAlreadyClaimed):
		return http.StatusConflict, "Request is no longer available"
	case errors.Is(err, lifecycle.ErrAlreadyCompleted):
		return http.StatusConflict, "Request already delivered"
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusConflict, "Invalid status transition"
	case errors.Is(err, db.ErrAlreadyExists):
		return http.StatusConflict, "Request id already exists"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}
