package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/centromex/vassist/internal/db"
	"github.com/centromex/vassist/internal/models"
)

const testPeriod = 10 * time.Millisecond

type fakeSource struct {
	mu      sync.Mutex
	req     *models.Request
	getErr  error
	list    []models.Request
	listErr error
	reads   atomic.Int32
	// block, when set, holds every read until closed
	block chan struct{}
}

func (f *fakeSource) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	f.reads.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.req == nil {
		return nil, fmt.Errorf("get %s: %w", id, db.ErrNotFound)
	}
	r := *f.req
	return &r, nil
}

func (f *fakeSource) ListRequests(ctx context.Context, status models.RequestStatus, limit int) ([]models.Request, error) {
	f.reads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]models.Request(nil), f.list...), nil
}

func (f *fakeSource) setStatus(s models.RequestStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.req.Status = s
}

func stopAndWait(t *testing.T, sub *Subscription) {
	t.Helper()
	sub.Unsubscribe()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("tracker goroutine did not exit")
	}
}

func TestTrackRequestDeliversEveryTick(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &fakeSource{req: &models.Request{ID: "R1", Status: models.StatusPending}}
	updates := make(chan *models.Request, 16)
	sub := TrackRequest(src, "R1", func(r *models.Request) {
		select {
		case updates <- r:
		default:
		}
	}, Options{Period: testPeriod})

	first := <-updates
	require.NotNil(t, first)
	assert.Equal(t, models.StatusPending, first.Status)

	// Unchanged snapshots still arrive.
	second := <-updates
	assert.Equal(t, models.StatusPending, second.Status)

	src.setStatus(models.StatusAccepted)
	require.Eventually(t, func() bool {
		r := <-updates
		return r.Status == models.StatusAccepted
	}, time.Second, testPeriod)

	stopAndWait(t, sub)
}

func TestTrackRequestNotFoundIsNil(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &fakeSource{}
	got := make(chan *models.Request, 1)
	sub := TrackRequest(src, "ghost", func(r *models.Request) {
		select {
		case got <- r:
		default:
		}
	}, Options{Period: time.Hour})

	select {
	case r := <-got:
		assert.Nil(t, r)
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}
	stopAndWait(t, sub)
}

func TestReadErrorsAreSwallowed(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &fakeSource{getErr: errors.New("connection refused"), listErr: errors.New("timeout")}
	var calls atomic.Int32
	subA := TrackRequest(src, "R1", func(*models.Request) { calls.Add(1) }, Options{Period: testPeriod})
	subB := TrackPending(src, func([]models.Request) { calls.Add(1) }, Options{Period: testPeriod})

	// The timer keeps going despite failures.
	require.Eventually(t, func() bool { return src.reads.Load() >= 6 }, time.Second, testPeriod)
	assert.Zero(t, calls.Load())

	stopAndWait(t, subA)
	stopAndWait(t, subB)
}

func TestUnsubscribeDropsInFlightRead(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &fakeSource{
		req:   &models.Request{ID: "R1", Status: models.StatusPending},
		block: make(chan struct{}),
	}
	var calls atomic.Int32
	sub := TrackRequest(src, "R1", func(*models.Request) { calls.Add(1) }, Options{Period: testPeriod})

	require.Eventually(t, func() bool { return src.reads.Load() == 1 }, time.Second, time.Millisecond)
	sub.Unsubscribe()
	close(src.block)

	<-sub.Done()
	assert.Zero(t, calls.Load())
}

func TestUnsubscribeFromCallback(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &fakeSource{req: &models.Request{ID: "R1", Status: models.StatusDelivered}}
	var calls atomic.Int32
	var sub *Subscription
	ready := make(chan struct{})
	sub = TrackRequest(src, "R1", func(r *models.Request) {
		<-ready
		calls.Add(1)
		if r.Status.IsTerminal() {
			sub.Unsubscribe()
			sub.Unsubscribe()
		}
	}, Options{Period: testPeriod})
	close(ready)

	<-sub.Done()
	time.Sleep(3 * testPeriod)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTrackPendingDeliversFullList(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &fakeSource{list: []models.Request{{ID: "R2"}, {ID: "R1"}}}
	lists := make(chan []models.Request, 16)
	sub := TrackPending(src, func(l []models.Request) {
		select {
		case lists <- l:
		default:
		}
	}, Options{Period: testPeriod})

	first := <-lists
	assert.Len(t, first, 2)
	second := <-lists
	assert.Len(t, second, 2)

	stopAndWait(t, sub)
}

func TestOnStatusChange(t *testing.T) {
	var seen []models.RequestStatus
	fn := OnStatusChange(func(r *models.Request) {
		if r == nil {
			seen = append(seen, "")
			return
		}
		seen = append(seen, r.Status)
	})

	for _, s := range []models.RequestStatus{
		models.StatusPending, models.StatusPending, models.StatusAccepted,
		models.StatusAccepted, models.StatusPickedUp,
	} {
		fn(&models.Request{ID: "R1", Status: s})
	}
	fn(nil)
	fn(nil)

	assert.Equal(t, []models.RequestStatus{
		models.StatusPending, models.StatusAccepted, models.StatusPickedUp, "",
	}, seen)
}

func TestNewArrivals(t *testing.T) {
	var batches [][]string
	fn := NewArrivals(func(list []models.Request) {
		var ids []string
		for _, r := range list {
			ids = append(ids, r.ID)
		}
		batches = append(batches, ids)
	})

	fn([]models.Request{{ID: "R1"}})
	fn([]models.Request{{ID: "R1"}})
	fn([]models.Request{{ID: "R2"}, {ID: "R1"}})
	fn([]models.Request{{ID: "R2"}})
	fn([]models.Request{{ID: "R1"}, {ID: "R2"}})

	assert.Equal(t, [][]string{{"R1"}, {"R2"}, {"R1"}}, batches)
}

func TestGroupStopAll(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &fakeSource{
		req:  &models.Request{ID: "R1", Status: models.StatusPending},
		list: []models.Request{{ID: "R1"}},
	}
	var g Group
	a := g.Add(TrackRequest(src, "R1", func(*models.Request) {}, Options{Period: testPeriod}))
	b := g.Add(TrackPending(src, func([]models.Request) {}, Options{Period: testPeriod}))

	g.StopAll()
	g.StopAll()
	<-a.Done()
	<-b.Done()
}
