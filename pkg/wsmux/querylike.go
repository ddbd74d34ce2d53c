package wsmux

import (
	"context"
	"time"

	"github.com/xfeed-go/wsmux/pkg/wsmux/query"
	"github.com/xfeed-go/wsmux/pkg/wsmux/subscription"
)

// queryLikeAdapter narrows a typed *query.Query[T] down to
// subscription.QueryLike, discarding the decoded response value: a
// sub/unsub acknowledgement only needs to report success or failure.
type queryLikeAdapter[T any] struct {
	q *query.Query[T]
}

// AsQueryLike wraps q so it can be returned from a
// subscription.Subscription's BuildSubQuery/BuildUnsubQuery.
func AsQueryLike[T any](q *query.Query[T]) subscription.QueryLike {
	return &queryLikeAdapter[T]{q: q}
}

func (a *queryLikeAdapter[T]) QueryID() string { return a.q.QueryID() }

func (a *queryLikeAdapter[T]) Matches(parsed any) bool { return a.q.Matches(parsed) }

func (a *queryLikeAdapter[T]) CompleteFromRaw(raw []byte) error { return a.q.CompleteFromRaw(raw) }

func (a *queryLikeAdapter[T]) Fail(err error) { a.q.Fail(err) }

func (a *queryLikeAdapter[T]) StartedAt() time.Time { return a.q.StartedAt() }

func (a *queryLikeAdapter[T]) Send(ctx context.Context, sender subscription.Sender) error {
	return a.q.Send(ctx, sender)
}

func (a *queryLikeAdapter[T]) Wait(ctx context.Context) error {
	_, err := a.q.Wait(ctx)
	return err
}
