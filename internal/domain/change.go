package domain

import "context"

type ChangeOp string

const (
	OpInsert     ChangeOp = "insert"
	OpUpdate     ChangeOp = "update"
	OpReplace    ChangeOp = "replace"
	OpDelete     ChangeOp = "delete"
	OpInvalidate ChangeOp = "invalidate"
)

// Change is one event from a collection change feed. Document is the post-image
// when available; Before is the pre-image when the store recorded one. Key is the
// document id of the changed record.
type Change[T any] struct {
	Op       ChangeOp
	Key      string
	Document *T
	Before   *T
}

// ChangeHandler is called once per change, in feed order. Returning an error
// stops the feed.
type ChangeHandler[T any] func(ctx context.Context, change Change[T]) error

// ChangeFeed delivers changes until ctx is cancelled or the handler fails.
type ChangeFeed[T any] interface {
	Run(ctx context.Context, handle ChangeHandler[T]) error
}
