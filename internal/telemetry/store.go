package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/centromex/vassist/internal/db"
	"github.com/centromex/vassist/internal/models"
)

const storeScopeName = "github.com/centromex/vassist/store"

// InstrumentedStore wraps db.Store with a span and metrics per call.
// Lost compare-and-swaps are counted in vassist.store.conflicts and are
// not span errors: they are the expected outcome for all but one claimer.
type InstrumentedStore struct {
	inner     db.Store
	tracer    trace.Tracer
	ops       metric.Int64Counter
	dur       metric.Float64Histogram
	errs      metric.Int64Counter
	conflicts metric.Int64Counter
}

// WrapStore returns s unchanged when telemetry is disabled.
func WrapStore(s db.Store, enabled bool) db.Store {
	if !enabled {
		return s
	}
	return NewInstrumentedStore(s, Tracer(storeScopeName), Meter(storeScopeName))
}

func NewInstrumentedStore(s db.Store, tracer trace.Tracer, m metric.Meter) *InstrumentedStore {
	ops, _ := m.Int64Counter("vassist.store.operations",
		metric.WithDescription("Total store operations executed"),
	)
	dur, _ := m.Float64Histogram("vassist.store.operation.duration",
		metric.WithDescription("Store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("vassist.store.errors",
		metric.WithDescription("Store operations that failed"),
	)
	conflicts, _ := m.Int64Counter("vassist.store.conflicts",
		metric.WithDescription("Conditional updates whose expected status did not match"),
	)
	return &InstrumentedStore{
		inner:     s,
		tracer:    tracer,
		ops:       ops,
		dur:       dur,
		errs:      errs,
		conflicts: conflicts,
	}
}

func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "store."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, name string, err error) {
	attrs := metric.WithAttributes(attribute.String("db.operation", name))
	s.dur.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	switch {
	case err == nil:
	case errors.Is(err, db.ErrConflict):
		span.SetAttributes(attribute.Bool("vassist.conflict", true))
		s.conflicts.Add(ctx, 1, attrs)
	case errors.Is(err, db.ErrNotFound), errors.Is(err, db.ErrAlreadyExists):
		span.SetAttributes(attribute.String("vassist.outcome", err.Error()))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, attrs)
	}
	span.End()
}

func (s *InstrumentedStore) Create(ctx context.Context, req *models.Request) error {
	ctx, span, t := s.op(ctx, "Create", attribute.String("vassist.request.id", req.ID))
	err := s.inner.Create(ctx, req)
	s.done(ctx, span, t, "Create", err)
	return err
}

func (s *InstrumentedStore) GetByID(ctx context.Context, id string) (*models.Request, error) {
	ctx, span, t := s.op(ctx, "GetByID", attribute.String("vassist.request.id", id))
	v, err := s.inner.GetByID(ctx, id)
	s.done(ctx, span, t, "GetByID", err)
	return v, err
}

func (s *InstrumentedStore) ListByStatus(ctx context.Context, status models.RequestStatus, limit int) ([]models.Request, error) {
	ctx, span, t := s.op(ctx, "ListByStatus",
		attribute.String("vassist.status", string(status)),
		attribute.Int("vassist.limit", limit))
	v, err := s.inner.ListByStatus(ctx, status, limit)
	s.done(ctx, span, t, "ListByStatus", err)
	return v, err
}

func (s *InstrumentedStore) ConditionalUpdate(ctx context.Context, id string, expected models.RequestStatus, m models.Mutation) (*models.Request, error) {
	ctx, span, t := s.op(ctx, "ConditionalUpdate",
		attribute.String("vassist.request.id", id),
		attribute.String("vassist.status.expected", string(expected)),
		attribute.String("vassist.status.new", string(m.Status)))
	v, err := s.inner.ConditionalUpdate(ctx, id, expected, m)
	s.done(ctx, span, t, "ConditionalUpdate", err)
	return v, err
}

func (s *InstrumentedStore) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, span, t := s.op(ctx, "PurgeTerminal", attribute.String("vassist.retention", olderThan.String()))
	n, err := s.inner.PurgeTerminal(ctx, olderThan)
	span.SetAttributes(attribute.Int64("vassist.purged", n))
	s.done(ctx, span, t, "PurgeTerminal", err)
	return n, err
}

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "Ping")
	err := s.inner.Ping(ctx)
	s.done(ctx, span, t, "Ping", err)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
