package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/streamcord/spyglass/internal/adapter/metrics"
	"github.com/streamcord/spyglass/internal/domain"
)

const (
	defaultFeedRetryDelay = 5 * time.Second
	closeTimeout          = 5 * time.Second
)

// FeedConfig carries the knobs shared by every feed.
type FeedConfig struct {
	RetryDelay time.Duration
	Clock      clockwork.Clock
	Metrics    *metrics.FeedMetrics

	// PreImages requests fullDocumentBeforeChange on delete events.
	PreImages bool
}

// changeStream is the subset of *mongo.ChangeStream the feed uses.
type changeStream interface {
	Next(ctx context.Context) bool
	Decode(v any) error
	ResumeToken() bson.Raw
	Err() error
	Close(ctx context.Context) error
}

type openFunc func(ctx context.Context, pipeline mongo.Pipeline, opts *options.ChangeStreamOptions) (changeStream, error)

type changeEvent struct {
	OperationType            string        `bson:"operationType"`
	DocumentKey              bson.Raw      `bson:"documentKey"`
	FullDocument             bson.RawValue `bson:"fullDocument"`
	FullDocumentBeforeChange bson.RawValue `bson:"fullDocumentBeforeChange"`
}

// handlerError marks failures returned by the caller's handler so Run can
// tell them apart from stream failures.
type handlerError struct{ err error }

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }

// Feed is a change stream that survives errors. It remembers the last resume
// token and reopens after failures. After an invalidate event it delivers an
// OpInvalidate change and starts a new stream after the invalidating event.
type Feed[T any] struct {
	name       string
	ops        []domain.ChangeOp
	decode     func(bson.Raw) (T, error)
	open       openFunc
	retryDelay time.Duration
	clock      clockwork.Clock
	metrics    *metrics.FeedMetrics
	preImages  bool
}

var _ domain.ChangeFeed[domain.Notification] = (*Feed[domain.Notification])(nil)

func NewFeed[T any](coll *mongo.Collection, ops []domain.ChangeOp, decode func(bson.Raw) (T, error), cfg FeedConfig) *Feed[T] {
	open := func(ctx context.Context, pipeline mongo.Pipeline, opts *options.ChangeStreamOptions) (changeStream, error) {
		return coll.Watch(ctx, pipeline, opts)
	}
	return newFeed(coll.Name(), ops, decode, open, cfg)
}

func newFeed[T any](name string, ops []domain.ChangeOp, decode func(bson.Raw) (T, error), open openFunc, cfg FeedConfig) *Feed[T] {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultFeedRetryDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewFeedMetrics(prometheus.NewRegistry())
	}
	return &Feed[T]{
		name:       name,
		ops:        ops,
		decode:     decode,
		open:       open,
		retryDelay: cfg.RetryDelay,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		preImages:  cfg.PreImages,
	}
}

func (f *Feed[T]) pipeline() mongo.Pipeline {
	ops := bson.A{string(domain.OpInvalidate)}
	for _, op := range f.ops {
		ops = append(ops, string(op))
	}
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"operationType": bson.M{"$in": ops}}}},
	}
}

func (f *Feed[T]) streamOptions(token bson.Raw, invalidated bool) *options.ChangeStreamOptions {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if f.preImages {
		opts.SetFullDocumentBeforeChange(options.WhenAvailable)
	}
	switch {
	case token == nil:
	case invalidated:
		opts.SetStartAfter(token)
	default:
		opts.SetResumeAfter(token)
	}
	return opts
}

// Run consumes the feed until ctx is cancelled or handle returns an error.
func (f *Feed[T]) Run(ctx context.Context, handle domain.ChangeHandler[T]) error {
	var (
		token       bson.Raw
		invalidated bool
	)
	log := slog.With("collection", f.name)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		stream, err := f.open(ctx, f.pipeline(), f.streamOptions(token, invalidated))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("Failed to open change stream, retrying", "error", err, "retry_in", f.retryDelay)
			f.restarted("open_failed")
			if err := f.wait(ctx); err != nil {
				return err
			}
			continue
		}
		if invalidated {
			log.Info("Change stream restarted after invalidation")
		}

		token, invalidated, err = f.consume(ctx, stream, handle, token)

		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		_ = stream.Close(closeCtx)
		cancel()

		if herr, ok := errors.AsType[*handlerError](err); ok {
			return herr.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if invalidated {
			f.restarted("invalidate")
			continue
		}

		log.Warn("Change stream failed, reopening", "error", err, "retry_in", f.retryDelay)
		f.restarted("stream_error")
		if err := f.wait(ctx); err != nil {
			return err
		}
	}
}

// consume reads one stream until it ends. It returns the last token seen and
// whether the stream ended on an invalidate event.
func (f *Feed[T]) consume(ctx context.Context, stream changeStream, handle domain.ChangeHandler[T], token bson.Raw) (bson.Raw, bool, error) {
	for stream.Next(ctx) {
		if t := stream.ResumeToken(); t != nil {
			token = t
		}

		var ev changeEvent
		if err := stream.Decode(&ev); err != nil {
			slog.Warn("Skipping undecodable change event", "collection", f.name, "error", err)
			continue
		}

		op := domain.ChangeOp(ev.OperationType)
		f.observed(op)

		if op == domain.OpInvalidate {
			slog.Warn("Change stream invalidated", "collection", f.name)
			if err := handle(ctx, domain.Change[T]{Op: op}); err != nil {
				return token, true, &handlerError{err}
			}
			return token, true, nil
		}

		change, err := f.toChange(op, ev)
		if err != nil {
			slog.Warn("Skipping malformed change document", "collection", f.name, "op", op, "error", err)
			continue
		}
		if err := handle(ctx, change); err != nil {
			return token, false, &handlerError{err}
		}
	}

	if err := stream.Err(); err != nil {
		return token, false, err
	}
	return token, false, fmt.Errorf("change stream on %s closed", f.name)
}

func (f *Feed[T]) toChange(op domain.ChangeOp, ev changeEvent) (domain.Change[T], error) {
	change := domain.Change[T]{Op: op}
	if ev.DocumentKey != nil {
		change.Key = keyString(ev.DocumentKey.Lookup("_id"))
	}

	if doc, ok := ev.FullDocument.DocumentOK(); ok {
		v, err := f.decode(doc)
		if err != nil {
			return change, fmt.Errorf("full document: %w", err)
		}
		change.Document = &v
	}
	if doc, ok := ev.FullDocumentBeforeChange.DocumentOK(); ok {
		v, err := f.decode(doc)
		if err != nil {
			return change, fmt.Errorf("pre-image: %w", err)
		}
		change.Before = &v
	}
	return change, nil
}

func (f *Feed[T]) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.clock.After(f.retryDelay):
		return nil
	}
}

func (f *Feed[T]) observed(op domain.ChangeOp) {
	if f.metrics != nil {
		f.metrics.Events.WithLabelValues(f.name, string(op)).Inc()
	}
}

func (f *Feed[T]) restarted(reason string) {
	if f.metrics != nil {
		f.metrics.Restarts.WithLabelValues(f.name, reason).Inc()
	}
}
