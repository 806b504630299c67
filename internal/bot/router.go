package bot

import (
	"context"

	"modguard/internal/platform"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg platform.Message) bool
}

// MemberHandler reacts to a join or member update and reports whether it
// acted.
type MemberHandler func(ctx context.Context, member platform.Member) bool

// Router fans platform events out to the detectors in registration order.
type Router struct {
	messages []MessageHandler
	joins    []MemberHandler
	updates  []MemberHandler
}

func NewRouter() *Router {
	return &Router{}
}

func (r *Router) OnMessage(handlers ...MessageHandler) *Router {
	r.messages = append(r.messages, handlers...)
	return r
}

func (r *Router) OnJoin(handlers ...MemberHandler) *Router {
	r.joins = append(r.joins, handlers...)
	return r
}

func (r *Router) OnMemberUpdate(handlers ...MemberHandler) *Router {
	r.updates = append(r.updates, handlers...)
	return r
}

// Message stops at the first detector that handles msg, since it may have
// deleted the message already.
func (r *Router) Message(ctx context.Context, msg platform.Message) bool {
	for _, handler := range r.messages {
		if handler.HandleMessage(ctx, msg) {
			return true
		}
	}
	return false
}

// Join stops at the first handler that acts: a banned member needs no rename.
func (r *Router) Join(ctx context.Context, member platform.Member) bool {
	return runMember(ctx, r.joins, member)
}

func (r *Router) MemberUpdate(ctx context.Context, member platform.Member) bool {
	return runMember(ctx, r.updates, member)
}

func runMember(ctx context.Context, handlers []MemberHandler, member platform.Member) bool {
	for _, handler := range handlers {
		if handler(ctx, member) {
			return true
		}
	}
	return false
}
