package core

import "github.com/google/uuid"

// Context identifies the cause of a state change, event or service call.
// ParentID links it back to the context that caused it.
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// NewContext returns a context with a fresh ID and no parent.
func NewContext() *Context {
	return &Context{ID: uuid.NewString()}
}

// NewChildContext returns a fresh context whose ParentID points at parent.
// A nil parent yields a root context.
func NewChildContext(parent *Context) *Context {
	c := NewContext()
	if parent != nil {
		c.ParentID = parent.ID
	}
	return c
}
