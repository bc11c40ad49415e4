// Package poller turns periodic reads into change notifications for callers
// that have no push channel.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/centromex/vassist/internal/db"
	"github.com/centromex/vassist/internal/models"
)

const (
	DefaultRequestPeriod = 2 * time.Second
	DefaultPendingPeriod = 3 * time.Second
	DefaultReadTimeout   = 5 * time.Second

	// PendingLimit is how many pending requests each pending tick reads.
	PendingLimit = 20
)

// Source is the read side the poller needs. Records must already be redacted.
type Source interface {
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	ListRequests(ctx context.Context, status models.RequestStatus, limit int) ([]models.Request, error)
}

type Options struct {
	Period      time.Duration
	ReadTimeout time.Duration
	Logger      *zap.Logger
}

func (o Options) withDefaults(period time.Duration) Options {
	if o.Period <= 0 {
		o.Period = period
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Subscription is one running tracker.
type Subscription struct {
	// held for the whole of each callback
	mu      sync.Mutex
	stopped atomic.Bool
	once    sync.Once
	stop    chan struct{}
	done    chan struct{}
}

func newSubscription() *Subscription {
	return &Subscription{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Unsubscribe stops the tracker. Once it returns no new callback starts;
// a callback already running is allowed to finish. A read in flight is
// not cancelled, its result is dropped.
//
// It never blocks, so it may be called from inside the callback, and
// calling it again is a no-op.
func (s *Subscription) Unsubscribe() {
	if s.mu.TryLock() {
		s.stopped.Store(true)
		s.mu.Unlock()
	} else {
		// A callback holds the lock; it is the one already executing.
		s.stopped.Store(true)
	}
	s.once.Do(func() { close(s.stop) })
}

// Done is closed when the tracker goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) deliver(fn func()) {
	if s.stopped.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() {
		return
	}
	fn()
}

func (s *Subscription) run(period time.Duration, tick func()) {
	defer close(s.done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	tick()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			tick()
		}
	}
}

// TrackRequest reads one request now and then every period, handing the
// latest snapshot to onUpdate on every tick. A request that does not exist
// is delivered as nil. Other read failures are logged and skipped.
func TrackRequest(src Source, id string, onUpdate func(*models.Request), opts Options) *Subscription {
	opts = opts.withDefaults(DefaultRequestPeriod)
	sub := newSubscription()

	tick := func() {
		ctx, cancel := context.WithTimeout(context.Background(), opts.ReadTimeout)
		req, err := src.GetRequest(ctx, id)
		cancel()
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			opts.Logger.Warn("Failed to poll request", zap.String("id", id), zap.Error(err))
			return
		}
		if err != nil {
			req = nil
		}
		sub.deliver(func() { onUpdate(req) })
	}

	go sub.run(opts.Period, tick)
	return sub
}

// TrackPending lists pending requests now and then every period and hands
// the full list to onList. Read failures are logged and skipped.
func TrackPending(src Source, onList func([]models.Request), opts Options) *Subscription {
	opts = opts.withDefaults(DefaultPendingPeriod)
	sub := newSubscription()

	tick := func() {
		ctx, cancel := context.WithTimeout(context.Background(), opts.ReadTimeout)
		list, err := src.ListRequests(ctx, models.StatusPending, PendingLimit)
		cancel()
		if err != nil {
			opts.Logger.Warn("Failed to poll pending requests", zap.Error(err))
			return
		}
		sub.deliver(func() { onList(list) })
	}

	go sub.run(opts.Period, tick)
	return sub
}

// OnStatusChange wraps fn so it only runs when the snapshot's status differs
// from the previous one. The first snapshot always passes; a nil snapshot
// counts as its own status.
func OnStatusChange(fn func(*models.Request)) func(*models.Request) {
	var (
		seen bool
		last models.RequestStatus
	)
	return func(req *models.Request) {
		var status models.RequestStatus
		if req != nil {
			status = req.Status
		}
		if seen && status == last {
			return
		}
		seen, last = true, status
		fn(req)
	}
}

// NewArrivals wraps fn so it only receives requests whose ids were absent
// from the previous list. fn is not called when nothing is new.
func NewArrivals(fn func([]models.Request)) func([]models.Request) {
	previous := map[string]struct{}{}
	return func(list []models.Request) {
		current := make(map[string]struct{}, len(list))
		var fresh []models.Request
		for _, req := range list {
			current[req.ID] = struct{}{}
			if _, ok := previous[req.ID]; !ok {
				fresh = append(fresh, req)
			}
		}
		previous = current
		if len(fresh) > 0 {
			fn(fresh)
		}
	}
}

// Group owns a set of subscriptions so a caller can drop all of them at once.
type Group struct {
	mu   sync.Mutex
	subs []*Subscription
}

func (g *Group) Add(sub *Subscription) *Subscription {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, sub)
	return sub
}

// StopAll unsubscribes everything added so far.
func (g *Group) StopAll() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
