package flydns

import (
	"context"

	"github.com/cryguy/flydns/internal/core"
)

// RequestContext is what a Selector may consider when picking a handle.
type RequestContext struct {
	QueryID    string
	RemoteAddr string
	Transport  string
	Request    *core.Request
}

// Handle is something that can answer a decoded query. *Runtime is the
// only production implementation.
type Handle interface {
	Invoke(ctx context.Context, req *core.Request) (*core.Response, error)
}

// Selector maps a request to the handle that should serve it.
// Implementations must be safe for concurrent use and must not block.
type Selector interface {
	Select(rc RequestContext) Handle
}

// FixedSelector always selects the same handle.
type FixedSelector struct {
	h Handle
}

var _ Selector = (*FixedSelector)(nil)

// NewFixedSelector returns a selector bound to h. A nil handle is a
// programming error and panics.
func NewFixedSelector(h Handle) *FixedSelector {
	if h == nil {
		panic("flydns: NewFixedSelector called with nil handle")
	}
	if rt, ok := h.(*Runtime); ok && rt == nil {
		panic("flydns: NewFixedSelector called with nil *Runtime")
	}
	return &FixedSelector{h: h}
}

// Select returns the bound handle.
func (s *FixedSelector) Select(RequestContext) Handle {
	return s.h
}
