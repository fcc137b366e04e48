package dispatch

import (
	"context"

	"github.com/reglet-dev/mediahost/wireformat"
)

// MessageContext wraps a context.Context with the message being dispatched so
// middleware can label logs and metrics without re-reading the envelope.
type MessageContext interface {
	context.Context

	// Tag returns the tag of the message being dispatched.
	Tag() wireformat.Tag

	// Actor returns the id of the destination actor.
	Actor() uint32
}

type messageContext struct {
	context.Context
	tag   wireformat.Tag
	actor uint32
}

// NewMessageContext creates a MessageContext wrapping ctx.
func NewMessageContext(ctx context.Context, tag wireformat.Tag, actor uint32) MessageContext {
	return &messageContext{Context: ctx, tag: tag, actor: actor}
}

func (c *messageContext) Tag() wireformat.Tag {
	return c.tag
}

func (c *messageContext) Actor() uint32 {
	return c.actor
}

// MessageContextFrom extracts a MessageContext from ctx, if present.
func MessageContextFrom(ctx context.Context) (MessageContext, bool) {
	mc, ok := ctx.(MessageContext)
	return mc, ok
}
