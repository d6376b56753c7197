package runctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func TestNew(t *testing.T) {
	c := New()
	assert.Equal(t, language.Und, c.Locale())
	assert.Empty(t, c.Subject())
	assert.NotEmpty(t, c.CorrelationID())
	assert.Nil(t, c.Parent())
}

func TestCopyLinksParent(t *testing.T) {
	root := New().WithSubject("alice").WithLocale(language.German)
	child := root.Copy()

	assert.Same(t, root, child.Parent())
	assert.Equal(t, "alice", child.Subject())
	assert.Equal(t, language.German, child.Locale())
	assert.Equal(t, root.CorrelationID(), child.CorrelationID())
	assert.Equal(t, 1, child.Depth())
	assert.Equal(t, 2, child.Copy().Depth())
}

func TestCopyOfNil(t *testing.T) {
	var c *Context
	cp := c.Copy()
	require.NotNil(t, cp)
	assert.Nil(t, cp.Parent())
}

func TestDerivationsDoNotMutate(t *testing.T) {
	base := New().WithProperty("tenant", "a")
	derived := base.WithProperty("tenant", "b").WithSubject("bob")

	v, ok := base.Property("tenant")
	require.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Empty(t, base.Subject())

	v, _ = derived.Property("tenant")
	assert.Equal(t, "b", v)

	props := derived.Properties()
	props["tenant"] = "c"
	v, _ = derived.Property("tenant")
	assert.Equal(t, "b", v)
}

func TestIntoAndCurrent(t *testing.T) {
	assert.Nil(t, Current(context.Background()))

	c := New().WithSubject("carol")
	ctx := Into(context.Background(), c)
	assert.Same(t, c, Current(ctx))
}

func TestSlotRestoresPrevious(t *testing.T) {
	var s Slot
	first := New().WithSubject("first")
	second := New().WithSubject("second")

	restoreFirst := s.Install(first)
	assert.Same(t, first, s.Load())

	func() {
		restore := s.Install(second)
		defer restore()
		assert.Same(t, second, s.Load())
	}()
	assert.Same(t, first, s.Load())

	restoreFirst()
	assert.Nil(t, s.Load())
}

func TestSlotRestoresOnPanic(t *testing.T) {
	var s Slot
	assert.Panics(t, func() {
		restore := s.Install(New())
		defer restore()
		panic("boom")
	})
	assert.Nil(t, s.Load())
}
