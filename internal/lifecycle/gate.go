package lifecycle

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/centromex/vassist/internal/db"
	"github.com/centromex/vassist/internal/models"
)

// Only DELIVERING may move to DELIVERED, and DELIVERING can only leave to
// DELIVERED or CANCELLED, so a second read always settles a lost race.
const maxCompleteAttempts = 3

// Complete marks a request DELIVERED when code matches its secret code.
// This is the only path that sets DELIVERED.
func (e *Engine) Complete(ctx context.Context, id, code string) (*models.Request, error) {
	id = strings.TrimSpace(id)
	var problems []string
	if id == "" {
		problems = append(problems, "id is required")
	}
	if code == "" {
		problems = append(problems, "secret_code is required")
	}
	if len(problems) > 0 {
		return nil, invalid(problems...)
	}

	for attempt := 1; attempt <= maxCompleteAttempts; attempt++ {
		current, err := e.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status == models.StatusDelivered {
			return nil, fmt.Errorf("complete %s: %w", id, ErrAlreadyCompleted)
		}
		if subtle.ConstantTimeCompare([]byte(code), []byte(current.SecretCode)) != 1 {
			e.logger.Info("Secret code mismatch", zap.String("id", id))
			return nil, fmt.Errorf("complete %s: %w", id, ErrInvalidCode)
		}
		if !models.CanTransition(current.Status, models.StatusDelivered) {
			return nil, fmt.Errorf("complete %s from %s: %w", id, current.Status, ErrInvalidTransition)
		}

		req, err := e.store.ConditionalUpdate(ctx, id, current.Status, models.Mutation{Status: models.StatusDelivered})
		if errors.Is(err, db.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		e.logger.Info("Request delivered", zap.String("id", id), zap.String("fulfiller", req.Fulfiller()))
		return req, nil
	}
	return nil, fmt.Errorf("complete %s: status kept changing: %w", id, ErrInvalidTransition)
}
