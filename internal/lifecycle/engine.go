package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/centromex/vassist/internal/db"
	"github.com/centromex/vassist/internal/models"
)

const (
	// MaxListLimit caps every list read.
	MaxListLimit = 20

	// How often Cancel re-reads when the status keeps moving under it.
	maxCancelAttempts = 5
)

// Engine applies lifecycle transitions to requests in a Store.
// It holds no per-request state; every decision is made by the store's
// conditional update, so any number of engines may share one store.
type Engine struct {
	store  db.Store
	logger *zap.Logger
}

func NewEngine(store db.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, logger: logger}
}

// NewRequest is the caller's input for Create.
type NewRequest struct {
	ID             string   `json:"id"`
	Item           string   `json:"item"`
	PickupLocation string   `json:"pickup"`
	DropLocation   string   `json:"drop_location"`
	PickupLat      *float64 `json:"pickup_lat"`
	PickupLng      *float64 `json:"pickup_lng"`
	DropLat        *float64 `json:"drop_lat"`
	DropLng        *float64 `json:"drop_lng"`
	Fare           string   `json:"fare"`
	DeliveryMode   string   `json:"delivery_type"`
	SecretCode     string   `json:"secret_code"`
}

func (n NewRequest) validate() (*models.Request, error) {
	var problems []string
	required := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, field+" is required")
		}
	}
	required("id", n.ID)
	required("item", n.Item)
	required("pickup", n.PickupLocation)
	required("drop_location", n.DropLocation)

	problems = append(problems, checkCoord("pickup", n.PickupLat, n.PickupLng)...)
	problems = append(problems, checkCoord("drop", n.DropLat, n.DropLng)...)

	if !isSecretCode(n.SecretCode) {
		problems = append(problems, "secret_code must be exactly 4 digits")
	}

	mode, err := models.ParseDeliveryMode(n.DeliveryMode)
	if err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return nil, invalid(problems...)
	}

	fare := strings.TrimSpace(n.Fare)
	if fare == "" {
		fare = "0"
	}

	return &models.Request{
		ID:             strings.TrimSpace(n.ID),
		Item:           strings.TrimSpace(n.Item),
		PickupLocation: strings.TrimSpace(n.PickupLocation),
		DropLocation:   strings.TrimSpace(n.DropLocation),
		PickupLat:      n.PickupLat,
		PickupLng:      n.PickupLng,
		DropLat:        n.DropLat,
		DropLng:        n.DropLng,
		Fare:           fare,
		DeliveryMode:   mode,
		SecretCode:     n.SecretCode,
	}, nil
}

func checkCoord(name string, lat, lng *float64) []string {
	switch {
	case lat == nil && lng == nil:
		return nil
	case lat == nil || lng == nil:
		return []string{name + " coordinates must include both lat and lng"}
	}
	var problems []string
	if *lat < -90 || *lat > 90 {
		problems = append(problems, fmt.Sprintf("%s_lat %v out of range", name, *lat))
	}
	if *lng < -180 || *lng > 180 {
		problems = append(problems, fmt.Sprintf("%s_lng %v out of range", name, *lng))
	}
	return problems
}

func isSecretCode(s string) bool {
	if len(s) != 4 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Create stores a new PENDING request.
func (e *Engine) Create(ctx context.Context, in NewRequest) (*models.Request, error) {
	req, err := in.validate()
	if err != nil {
		return nil, err
	}
	if err := e.store.Create(ctx, req); err != nil {
		return nil, err
	}

	e.logger.Info("Request created",
		zap.String("id", req.ID),
		zap.String("delivery_type", string(req.DeliveryMode)))
	out := req.Redacted()
	return &out, nil
}

// Claim moves a PENDING request to ACCEPTED and records the fulfiller.
// Exactly one of any number of concurrent claimers succeeds; the rest get
// ErrAlreadyClaimed and should not retry.
func (e *Engine) Claim(ctx context.Context, id, fulfillerName string) (*models.Request, error) {
	id = strings.TrimSpace(id)
	name := strings.TrimSpace(fulfillerName)
	var problems []string
	if id == "" {
		problems = append(problems, "id is required")
	}
	if name == "" {
		problems = append(problems, "fulfiller_name is required")
	}
	if len(problems) > 0 {
		return nil, invalid(problems...)
	}

	req, err := e.store.ConditionalUpdate(ctx, id, models.StatusPending,
		models.Mutation{Status: models.StatusAccepted, FulfillerName: &name})
	if errors.Is(err, db.ErrConflict) {
		return nil, fmt.Errorf("claim %s: %w", id, ErrAlreadyClaimed)
	}
	if err != nil {
		return nil, err
	}

	e.logger.Info("Request claimed", zap.String("id", id), zap.String("fulfiller", name))
	return req, nil
}

// Advance moves a claimed request one step forward: ACCEPTED to PICKED_UP or
// PICKED_UP to DELIVERING. CANCELLED is delegated to Cancel. DELIVERED is only
// reachable through Complete.
func (e *Engine) Advance(ctx context.Context, id string, target models.RequestStatus) (*models.Request, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, invalid("id is required")
	}
	status, err := models.ParseStatus(string(target))
	if err != nil {
		return nil, invalid(err.Error())
	}

	switch status {
	case models.StatusCancelled:
		return e.Cancel(ctx, id)
	case models.StatusDelivered:
		return nil, fmt.Errorf("advance %s to %s requires the secret code: %w", id, status, ErrInvalidTransition)
	}

	from, ok := models.Predecessor(status)
	if !ok || from == models.StatusPending {
		return nil, fmt.Errorf("advance %s to %s: %w", id, status, ErrInvalidTransition)
	}

	req, err := e.store.ConditionalUpdate(ctx, id, from, models.Mutation{Status: status})
	if errors.Is(err, db.ErrConflict) {
		return nil, fmt.Errorf("advance %s to %s: %w", id, status, ErrInvalidTransition)
	}
	if err != nil {
		return nil, err
	}

	e.logger.Info("Request advanced", zap.String("id", id), zap.String("status", string(status)))
	return req, nil
}

// Cancel moves any non-terminal request to CANCELLED.
func (e *Engine) Cancel(ctx context.Context, id string) (*models.Request, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, invalid("id is required")
	}

	for attempt := 1; attempt <= maxCancelAttempts; attempt++ {
		current, err := e.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status.IsTerminal() {
			return nil, fmt.Errorf("cancel %s from %s: %w", id, current.Status, ErrInvalidTransition)
		}

		req, err := e.store.ConditionalUpdate(ctx, id, current.Status, models.Mutation{Status: models.StatusCancelled})
		if errors.Is(err, db.ErrConflict) {
			e.logger.Debug("Cancel raced a transition, re-reading",
				zap.String("id", id), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}

		e.logger.Info("Request cancelled", zap.String("id", id), zap.String("from", string(current.Status)))
		return req, nil
	}
	return nil, fmt.Errorf("cancel %s: status kept changing: %w", id, ErrInvalidTransition)
}

// GetRequest returns one request without its secret code.
func (e *Engine) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	req, err := e.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	out := req.Redacted()
	return &out, nil
}

// ListRequests returns the newest requests in a status, at most MaxListLimit.
func (e *Engine) ListRequests(ctx context.Context, status models.RequestStatus, limit int) ([]models.Request, error) {
	parsed, err := models.ParseStatus(string(status))
	if err != nil {
		return nil, invalid(err.Error())
	}
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}

	requests, err := e.store.ListByStatus(ctx, parsed, limit)
	if err != nil {
		return nil, err
	}
	for i := range requests {
		requests[i] = requests[i].Redacted()
	}
	return requests, nil
}
