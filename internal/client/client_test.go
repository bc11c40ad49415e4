package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/centromex/vassist/internal/db"
	"github.com/centromex/vassist/internal/handler"
	"github.com/centromex/vassist/internal/lifecycle"
	"github.com/centromex/vassist/internal/models"
	"github.com/centromex/vassist/internal/poller"
)

func newTestServer(t *testing.T) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := filepath.Join(t.TempDir(), "client.db")
	store, err := db.Open(context.Background(), db.Config{Driver: db.DriverSQLite, DSN: dsn}, zap.NewNop())
	require.NoError(t, err)

	srv := httptest.NewServer(handler.NewRouter(lifecycle.NewEngine(store, zap.NewNop()), store, zap.NewNop()))
	t.Cleanup(func() {
		srv.Close()
		_ = store.Close()
	})
	return New(srv.URL, WithTimeout(5*time.Second))
}

func bookRequest(id string) lifecycle.NewRequest {
	return lifecycle.NewRequest{
		ID:             id,
		Item:           "Book",
		PickupLocation: "Library",
		DropLocation:   "Hostel B",
		SecretCode:     "4821",
	}
}

func TestClientRoundTrip(t *testing.T) {
	c := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	res, err := c.Create(ctx, bookRequest("R1"))
	require.NoError(t, err)
	assert.Equal(t, "R1", res.ID)

	_, err = c.Create(ctx, bookRequest("R1"))
	assert.ErrorIs(t, err, db.ErrAlreadyExists)

	res, err = c.Claim(ctx, "R1", "Asha")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, res.Status)
	assert.Equal(t, "Asha", res.FulfillerName)

	_, err = c.Claim(ctx, "R1", "Ravi")
	assert.ErrorIs(t, err, lifecycle.ErrAlreadyClaimed)

	_, err = c.Advance(ctx, "R1", models.StatusDelivering)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	_, err = c.Advance(ctx, "R1", models.StatusPickedUp)
	require.NoError(t, err)
	_, err = c.Advance(ctx, "R1", models.StatusDelivering)
	require.NoError(t, err)

	_, err = c.Complete(ctx, "R1", "0000")
	assert.ErrorIs(t, err, lifecycle.ErrInvalidCode)

	res, err = c.Complete(ctx, "R1", "4821")
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = c.Complete(ctx, "R1", "4821")
	assert.ErrorIs(t, err, lifecycle.ErrAlreadyCompleted)

	got, err := c.GetRequest(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, got.Status)
	assert.Empty(t, got.SecretCode)
}

func TestClientErrors(t *testing.T) {
	c := newTestServer(t)
	ctx := context.Background()

	_, err := c.GetRequest(ctx, "ghost")
	assert.ErrorIs(t, err, db.ErrNotFound)

	req, err := c.Poll(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, req)

	bad := bookRequest("R2")
	bad.SecretCode = "12"
	_, err = c.Create(ctx, bad)
	assert.True(t, lifecycle.IsValidation(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "secret_code")

	_, err = c.Cancel(ctx, "ghost")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestClientListRequests(t *testing.T) {
	c := newTestServer(t)
	ctx := context.Background()

	list, err := c.ListRequests(ctx, models.StatusPending, 20)
	require.NoError(t, err)
	assert.Empty(t, list)

	for _, id := range []string{"R1", "R2", "R3"} {
		_, err := c.Create(ctx, bookRequest(id))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	_, err = c.Cancel(ctx, "R2")
	require.NoError(t, err)

	list, err = c.ListRequests(ctx, models.StatusPending, 20)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "R3", list[0].ID)
	assert.Equal(t, "R1", list[1].ID)

	cancelled, err := c.ListRequests(ctx, models.StatusCancelled, 0)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
}

func TestPollerOverHTTP(t *testing.T) {
	c := newTestServer(t)
	ctx := context.Background()
	_, err := c.Create(ctx, bookRequest("R1"))
	require.NoError(t, err)

	changes := make(chan models.RequestStatus, 8)
	sub := poller.TrackRequest(c, "R1", poller.OnStatusChange(func(r *models.Request) {
		if r != nil {
			changes <- r.Status
		}
	}), poller.Options{Period: 10 * time.Millisecond})
	defer sub.Unsubscribe()

	assert.Equal(t, models.StatusPending, <-changes)
	_, err = c.Claim(ctx, "R1", "Asha")
	require.NoError(t, err)

	select {
	case st := <-changes:
		assert.Equal(t, models.StatusAccepted, st)
	case <-time.After(2 * time.Second):
		t.Fatal("status change not observed")
	}
}
