// Package results serves pages of a scan's result set. A Query keeps only
// the response to the most recently issued descriptor; responses to older
// descriptors are dropped, never merged into the view.
package results

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-console/internal/domain/events"
	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/pkg/common/logger"
)

// ErrStaleDescriptor is returned when a newer descriptor was issued while a
// fetch was in flight. The response was dropped.
var ErrStaleDescriptor = errors.New("query descriptor superseded")

// ResultsFetcher retrieves one page of a scan's results. findings.ResultsClient
// satisfies ResultsFetcher[findings.Finding].
type ResultsFetcher[T any] interface {
	QueryResults(ctx context.Context, scanID string, d findings.Descriptor) (findings.Page[T], error)
}

type queryConfig struct {
	cacheSize int
}

// QueryOption configures a Query.
type QueryOption func(*queryConfig)

// WithCacheSize bounds the number of cached pages.
func WithCacheSize(n int) QueryOption {
	return func(c *queryConfig) { c.cacheSize = n }
}

// Query is the PaginatedResultQuery for one scan.
type Query[T any] struct {
	scanID  string
	fetcher ResultsFetcher[T]
	fields  findings.Fields
	cache   *ResultCache[T]

	mu      sync.Mutex
	issued  uint64
	active  findings.Descriptor
	visible *findings.Page[T]

	logger *logger.Logger
	tracer trace.Tracer
}

// NewQuery creates a Query over scanID's results. fields lists the sort and
// filter fields the server accepts.
func NewQuery[T any](
	scanID string,
	fetcher ResultsFetcher[T],
	fields findings.Fields,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...QueryOption,
) *Query[T] {
	cfg := queryConfig{cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Query[T]{
		scanID:  scanID,
		fetcher: fetcher,
		fields:  fields,
		cache:   NewResultCache[T](cfg.cacheSize),
		active:  findings.DefaultDescriptor(),
		logger:  logger.With("component", "result_query", "scan_id", scanID),
		tracer:  tracer,
	}
}

// Start subscribes the query to invalidation events for its scan. The
// subscription ends with ctx.
func (q *Query[T]) Start(ctx context.Context, bus events.EventBus) error {
	return bus.Subscribe(ctx, []events.EventType{findings.EventTypeResultsInvalidated},
		func(ctx context.Context, env events.EventEnvelope) error {
			evt, ok := env.Payload.(findings.ResultsInvalidatedEvent)
			if !ok {
				return fmt.Errorf("unexpected payload type %T for %s", env.Payload, env.Type)
			}
			if evt.ScanID != q.scanID {
				return nil
			}
			q.logger.Debug(ctx, "results invalidated", "reason", evt.Reason)
			q.Invalidate()
			return nil
		})
}

// Execute fetches the page selected by d and makes it the visible page. The
// returned page's Descriptor equals d, except when d pointed past the end of
// the result set: then the first page is fetched instead and its descriptor
// becomes the active one.
func (q *Query[T]) Execute(ctx context.Context, d findings.Descriptor) (findings.Page[T], error) {
	ctx, span := q.tracer.Start(ctx, "result_query.execute",
		trace.WithAttributes(
			attribute.String("scan_id", q.scanID),
			attribute.Int("page", d.Page),
			attribute.Int("page_size", d.PageSize),
			attribute.String("sort_by", d.SortBy),
		),
	)
	defer span.End()

	if err := d.Validate(q.fields); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid descriptor")
		return findings.Page[T]{}, err
	}

	q.mu.Lock()
	q.issued++
	token := q.issued
	q.active = d
	q.mu.Unlock()

	if page, ok := q.cache.Get(d.Key()); ok {
		span.AddEvent("cache_hit")
		if err := q.accept(token, d, page); err != nil {
			return findings.Page[T]{}, err
		}
		return page, nil
	}

	page, err := q.fetch(ctx, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return findings.Page[T]{}, err
	}

	if len(page.Items) == 0 && d.Page > 0 {
		if q.superseded(token) {
			span.AddEvent("stale_response_dropped")
			return findings.Page[T]{}, ErrStaleDescriptor
		}
		first := d.WithPage(0)
		span.AddEvent("empty_page_fallback", trace.WithAttributes(attribute.Int("requested_page", d.Page)))
		q.logger.Debug(ctx, "requested page is empty, falling back to first page", "page", d.Page)

		if cached, ok := q.cache.Get(first.Key()); ok {
			page = cached
		} else if page, err = q.fetch(ctx, first); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "fallback fetch failed")
			return findings.Page[T]{}, err
		}
		d = first
	}

	if err := q.accept(token, d, page); err != nil {
		span.AddEvent("stale_response_dropped")
		return findings.Page[T]{}, err
	}
	return page, nil
}

// fetch queries the remote and caches the page under the generation current
// when the call was issued.
func (q *Query[T]) fetch(ctx context.Context, d findings.Descriptor) (findings.Page[T], error) {
	generation := q.cache.Generation()
	page, err := q.fetcher.QueryResults(ctx, q.scanID, d)
	if err != nil {
		return findings.Page[T]{}, fmt.Errorf("failed to query results (scan_id: %s): %w", q.scanID, err)
	}
	page.Descriptor = d
	if page.Items == nil {
		page.Items = []T{}
	}
	q.cache.Put(d.Key(), page, generation)
	return page, nil
}

func (q *Query[T]) superseded(token uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return token != q.issued
}

// accept makes page visible if token is still the newest issued descriptor.
func (q *Query[T]) accept(token uint64, d findings.Descriptor, page findings.Page[T]) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if token != q.issued {
		return ErrStaleDescriptor
	}
	q.active = d
	q.visible = &page
	return nil
}

// Visible returns the last accepted page. ok is false before the first
// successful Execute.
func (q *Query[T]) Visible() (page findings.Page[T], ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.visible == nil {
		return findings.Page[T]{}, false
	}
	return *q.visible, true
}

// Active returns the descriptor of the newest request.
func (q *Query[T]) Active() findings.Descriptor {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Refresh re-executes the active descriptor.
func (q *Query[T]) Refresh(ctx context.Context) (findings.Page[T], error) {
	return q.Execute(ctx, q.Active())
}

// Invalidate marks every cached page stale so the next Execute refetches.
func (q *Query[T]) Invalidate() {
	q.cache.Invalidate()
}
