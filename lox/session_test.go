package lox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/lox/log2"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Emit(e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func mockSessionOptions(t testing.TB, m *mockController, sink Sink) SessionOptions {
	hopt := mockHandshakeOptions(t, m)
	hopt.Keys = nil
	return SessionOptions{
		Log:       log2.NewTest(t, log2.LDebug),
		Address:   m.Address(),
		Conn:      ConnOptions{NetworkTimeout: 5 * time.Second},
		Handshake: hopt,
		Dispatch:  DispatchOptions{Sink: sink},
	}
}

func TestSessionEndToEnd(t *testing.T) {
	t.Parallel()
	m := newMockController(t)
	m.StructureParts = 3
	m.EventChunk = 5
	values := AppendValueState(nil, ValueState{ID: MustParseUUID("c1abc312-4e02-3511-ffff7ba5fa36c094"), Value: 1})
	values = AppendValueState(values, ValueState{ID: MustParseUUID("c1abc312-4e02-3511-ffff7ba5fa36c096"), Value: 55.5})
	texts := AppendTextState(nil, TextState{ID: MustParseUUID("20000000-0000-0000-0000000000000002"), Text: "Alarm armed"})
	m.Events = append(testFrame(KindValueTable, false, values), testFrame(KindTextTable, false, texts)...)
	m.Events = append(m.Events, testFrame(KindWeather, false, []byte{1, 2, 3, 4})...)

	rec := &eventRecorder{}
	opt := mockSessionOptions(t, m, rec)
	// enable ack + 3 event frames
	opt.Dispatch.FrameLimit = 4
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := DialSession(ctx, opt)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, StateAuthenticated, s.HandshakeState())
	assert.Equal(t, "token-ok", s.Context().Token)
	require.NotNil(t, s.Structure())
	assert.Equal(t, "2024-03-01 10:00:00", s.Structure().LastModified)
	assert.Equal(t, 4, s.Frames())

	events := rec.Events()
	require.Len(t, events, 5)
	assert.Equal(t, KindText, events[0].Kind)
	assert.Contains(t, string(events[0].Payload), "enablebinstatusupdate")
	assert.Equal(t, "Kitchen light/active", events[1].Name)
	assert.Equal(t, 1.0, events[1].Value)
	assert.Equal(t, "Dimmer/position", events[2].Name)
	assert.Equal(t, 55.5, events[2].Value)
	assert.Equal(t, "Status text", events[3].Name)
	assert.Equal(t, "Alarm armed", events[3].Text)
	assert.Equal(t, KindWeather, events[4].Kind)

	cmds := m.Commands()
	require.Len(t, cmds, 4)
	assert.Equal(t, CmdStructure, cmds[2])
	assert.Equal(t, CmdEnableStatusUpdate, cmds[3])

	stat := s.Conn().Stat()
	assert.Equal(t, int64(1), stat.Conn.Value())
	assert.Equal(t, int64(1), stat.Recv.Kind[KindValueTable].Count.Value())
	assert.Equal(t, int64(4), stat.Send.Count.Value())
}

func TestSessionAuthenticationError(t *testing.T) {
	t.Parallel()
	m := newMockController(t)
	m.TokenCode = 401
	s, err := DialSession(context.Background(), mockSessionOptions(t, m, nil))
	require.NoError(t, err)
	defer s.Close()
	err = s.Run(context.Background())
	aerr, ok := errors.Cause(err).(*AuthenticationError)
	require.True(t, ok, "err=%v", err)
	assert.Equal(t, 401, aerr.Code)
	assert.Equal(t, StateTokenRequested, s.HandshakeState())
	assert.True(t, s.Conn().Closed())
	assert.Nil(t, s.Context())

	_, err = s.LoadStructure(context.Background())
	_, ok = err.(*ProtocolSequenceError)
	assert.True(t, ok, "err=%v", err)

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.HandshakeState())
}

func TestSessionOrdering(t *testing.T) {
	t.Parallel()
	s := NewSession(&fakeConn{}, SessionOptions{})
	ctx := context.Background()

	_, err := s.LoadStructure(ctx)
	serr, ok := err.(*ProtocolSequenceError)
	require.True(t, ok, "err=%v", err)
	assert.Equal(t, "authenticated", serr.Expected)

	err = s.EnableUpdates(ctx)
	serr, ok = err.(*ProtocolSequenceError)
	require.True(t, ok, "err=%v", err)
	assert.Equal(t, "structure-loaded", serr.Expected)
	assert.Equal(t, "handshake", serr.Actual)

	_, ok = s.Stream(ctx).(*ProtocolSequenceError)
	assert.True(t, ok)
	assert.Empty(t, s.Conn().(*fakeConn).sent)
}

func TestSessionKeepaliveAndCancel(t *testing.T) {
	t.Parallel()
	m := newMockController(t)
	rec := &eventRecorder{}
	opt := mockSessionOptions(t, m, rec)
	opt.Keepalive = 50 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := DialSession(ctx, opt)
	require.NoError(t, err)
	defer s.Close()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool {
		n := 0
		for _, e := range rec.Events() {
			if e.Kind == KindKeepAlive {
				n++
			}
		}
		return n >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, m.Commands(), CmdKeepalive)

	cancel()
	select {
	case err = <-done:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop on cancel")
	}
	assert.True(t, s.Conn().Closed())
}
