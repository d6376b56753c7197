// Package runctx carries the ambient execution state of a job (locale,
// subject, correlation id and a property bag) through context.Context.
//
// A Context is immutable: every With* call returns a derived copy. Jobs
// receive a copy of the scheduling caller's Context whose Parent points at
// the caller's, so nested jobs form a tree.
package runctx

import (
	"context"
	"maps"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/text/language"
)

type ctxKey struct{}

// Context is the ambient state installed for the duration of one job.
type Context struct {
	locale        language.Tag
	subject       string
	correlationID string
	parent        *Context
	props         map[string]any
}

// New returns an empty Context with a fresh correlation id.
func New() *Context {
	return &Context{
		locale:        language.Und,
		correlationID: uuid.NewString(),
	}
}

// Locale returns the locale, language.Und when unset.
func (c *Context) Locale() language.Tag { return c.locale }

// Subject returns the security principal name, empty for anonymous work.
func (c *Context) Subject() string { return c.subject }

// CorrelationID returns the id shared by log lines of one logical request.
func (c *Context) CorrelationID() string { return c.correlationID }

// Parent returns the Context this one was copied from, or nil.
func (c *Context) Parent() *Context { return c.parent }

// Property returns a value from the property bag.
func (c *Context) Property(key string) (any, bool) {
	v, ok := c.props[key]
	return v, ok
}

// Properties returns a copy of the property bag.
func (c *Context) Properties() map[string]any {
	return maps.Clone(c.props)
}

// Copy returns a child of c. Values are inherited, the correlation id is
// kept and Parent is set to c.
func (c *Context) Copy() *Context {
	if c == nil {
		return New()
	}
	cp := *c
	cp.parent = c
	return &cp
}

func (c *Context) clone() *Context {
	cp := *c
	return &cp
}

// WithLocale returns a copy with the given locale.
func (c *Context) WithLocale(tag language.Tag) *Context {
	cp := c.clone()
	cp.locale = tag
	return cp
}

// WithSubject returns a copy with the given principal.
func (c *Context) WithSubject(subject string) *Context {
	cp := c.clone()
	cp.subject = subject
	return cp
}

// WithCorrelationID returns a copy with the given correlation id.
func (c *Context) WithCorrelationID(id string) *Context {
	cp := c.clone()
	cp.correlationID = id
	return cp
}

// WithProperty returns a copy with key set in the property bag. The bag is
// copied so the receiver never observes the change.
func (c *Context) WithProperty(key string, value any) *Context {
	cp := c.clone()
	cp.props = maps.Clone(c.props)
	if cp.props == nil {
		cp.props = make(map[string]any, 1)
	}
	cp.props[key] = value
	return cp
}

// Depth returns the number of ancestors of c.
func (c *Context) Depth() int {
	n := 0
	for p := c.parent; p != nil; p = p.parent {
		n++
	}
	return n
}

// Into returns ctx carrying c as the ambient Context.
func Into(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// Current returns the ambient Context of ctx, or nil if none is installed.
func Current(ctx context.Context) *Context {
	c, _ := ctx.Value(ctxKey{}).(*Context)
	return c
}

// Slot is the per-worker holder of the installed Context. Only the owning
// worker installs into it; other goroutines may read it for diagnostics.
type Slot struct {
	cur atomic.Pointer[Context]
}

// Install makes c the slot's current Context and returns a function that
// restores the previous value. Callers defer the restore so it also runs
// when the job panics.
func (s *Slot) Install(c *Context) (restore func()) {
	prev := s.cur.Swap(c)
	return func() {
		s.cur.Store(prev)
	}
}

// Load returns the currently installed Context, or nil.
func (s *Slot) Load() *Context {
	return s.cur.Load()
}
