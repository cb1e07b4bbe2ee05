package log2

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFilter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, LInfo)
	l.SetFlags(0)
	l.Debugf("hidden frame=%x", []byte{3})
	l.Infof("visible kind=%s", "text")
	l.Errorf("broken")
	assert.Equal(t, "visible kind=text\nerror: broken\n", buf.String())

	buf.Reset()
	l.SetLevel(LDebug)
	l.Debug("now")
	assert.Equal(t, "debug: now\n", buf.String())
}

func TestNilLogIsSilent(t *testing.T) {
	t.Parallel()
	var l *Log
	assert.False(t, l.Enabled(LError))
	l.Debugf("x")
	l.Printf("x")
	l.SetLevel(LDebug)
	assert.Nil(t, l.Clone(LDebug))
}

func TestClonePrefix(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, LError)
	l.SetFlags(0)
	l.SetPrefix("lox: ")
	c := l.Clone(LDebug)
	c.Println("hello")
	assert.Equal(t, "lox: hello\n", buf.String())
}

func TestContextLogger(t *testing.T) {
	t.Parallel()
	l := NewTest(t, LDebug)
	ctx := ContextWithLogger(context.Background(), l)
	assert.Equal(t, l, ContextValueLogger(ctx))
	assert.Nil(t, ContextValueLogger(context.Background()))
}
