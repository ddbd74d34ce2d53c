package subscription

// SubQueryBuilder builds a fresh sub- or unsub-query each time the
// engine needs one (initial subscribe, resubscribe after reconnect,
// unsubscribe). It receives no connection argument.
type SubQueryBuilder func() QueryLike

// Typed is a ready-to-use Subscription built from plain functions,
// covering the common case where the caller doesn't need a bespoke
// type per stream.
type Typed struct {
	Base

	buildSub   SubQueryBuilder
	buildUnsub SubQueryBuilder
}

// NewTyped constructs a Subscription from plain builder functions.
// Either builder may be nil, meaning "no query needed" (e.g. streams
// that are implicitly active once the connection is open).
func NewTyped(
	authenticated bool,
	streamIdentifiers []string,
	decode DecodeFunc,
	onMessage HandlerFunc,
	buildSub SubQueryBuilder,
	buildUnsub SubQueryBuilder,
) *Typed {
	return &Typed{
		Base:       NewBase(authenticated, streamIdentifiers, decode, onMessage),
		buildSub:   buildSub,
		buildUnsub: buildUnsub,
	}
}

func (t *Typed) BuildSubQuery() QueryLike {
	if t.buildSub == nil {
		return nil
	}
	return t.buildSub()
}

func (t *Typed) BuildUnsubQuery() QueryLike {
	if t.buildUnsub == nil {
		return nil
	}
	return t.buildUnsub()
}

var _ Subscription = (*Typed)(nil)
