package bridge

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/callcenter/pkg/media"
	"github.com/harunnryd/callcenter/pkg/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id      int
	events  chan realtime.Event
	mu      sync.Mutex
	session realtime.SessionConfig
	audio   []string
	closed  bool
	closeCh chan struct{}
	once    sync.Once
	// stalled makes SendAudio block until Close, like a backend that stopped reading.
	stalled chan struct{}
}

func newFakeConn(id int) *fakeConn {
	return &fakeConn{id: id, events: make(chan realtime.Event, 16), closeCh: make(chan struct{})}
}

func (c *fakeConn) Configure(_ context.Context, s realtime.SessionConfig) error {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SendAudio(payload string) error {
	if c.stalled != nil {
		c.stalled <- struct{}{}
		<-c.closeCh
		return io.ErrClosedPipe
	}
	c.mu.Lock()
	c.audio = append(c.audio, payload)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Recv(ctx context.Context) (realtime.Event, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			return realtime.Event{}, io.EOF
		}
		return ev, nil
	case <-c.closeCh:
		return realtime.Event{}, io.EOF
	case <-ctx.Done():
		return realtime.Event{}, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.closeCh)
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sentAudio() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.audio...)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	stall bool
}

func (d *fakeDialer) Dial(context.Context) (realtime.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newFakeConn(len(d.conns))
	if d.stall {
		c.stalled = make(chan struct{}, 1)
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) all() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.conns...)
}

type recordingSink struct {
	mu      sync.Mutex
	audio   []string
	clears  int
	arrived chan struct{}
}

func newSink() *recordingSink { return &recordingSink{arrived: make(chan struct{}, 64)} }

func (s *recordingSink) SendAudio(p string) error {
	s.mu.Lock()
	s.audio = append(s.audio, p)
	s.mu.Unlock()
	s.arrived <- struct{}{}
	return nil
}

func (s *recordingSink) ClearAudio() error {
	s.mu.Lock()
	s.clears++
	s.mu.Unlock()
	s.arrived <- struct{}{}
	return nil
}

func (s *recordingSink) played() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.audio...)
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestStartRelaysBothDirections(t *testing.T) {
	d := &fakeDialer{}
	sink := newSink()
	b := New("call-1", d, Options{}, nil)

	require.NoError(t, b.Start(context.Background(), sink, realtime.SessionConfig{Instructions: "menu"}))
	conn := d.all()[0]
	assert.Equal(t, "menu", conn.session.Instructions)

	conn.events <- realtime.Event{Kind: realtime.EventAudioDelta, Delta: "b3V0"}
	waitFor(t, sink.arrived)
	assert.Equal(t, []string{"b3V0"}, sink.played())

	conn.events <- realtime.Event{Kind: realtime.EventSpeechStarted}
	waitFor(t, sink.arrived)

	require.NoError(t, b.SendAudio(media.Metadata(media.AudioMetadata{Encoding: media.EncodingMulaw})))
	require.NoError(t, b.SendAudio(media.AudioData("/38AgAE=", 20*time.Millisecond)))
	assert.Eventually(t, func() bool { return len(conn.sentAudio()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"/38AgAE="}, conn.sentAudio())

	b.Stop()
	assert.True(t, conn.isClosed())
	assert.False(t, b.Active())
}

func TestRapidRestartKeepsOneConnection(t *testing.T) {
	d := &fakeDialer{}
	sink := newSink()
	b := New("call-1", d, Options{}, nil)
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		require.NoError(t, b.Start(ctx, sink, realtime.SessionConfig{Instructions: "role"}))
	}
	conns := d.all()
	require.Len(t, conns, n)
	open := 0
	for _, c := range conns {
		if !c.isClosed() {
			open++
		}
	}
	assert.Equal(t, 1, open)
	assert.False(t, conns[n-1].isClosed())
	assert.EqualValues(t, n, b.Generation())

	// Output of a superseded connection never reaches the sink.
	conns[0].events <- realtime.Event{Kind: realtime.EventAudioDelta, Delta: "old"}
	conns[n-1].events <- realtime.Event{Kind: realtime.EventAudioDelta, Delta: "new"}
	waitFor(t, sink.arrived)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"new"}, sink.played())

	// Caller audio goes only to the newest connection.
	require.NoError(t, b.SendAudio(media.AudioData("cGluZw==", 0)))
	assert.Eventually(t, func() bool { return len(conns[n-1].sentAudio()) == 1 }, time.Second, 5*time.Millisecond)
	for _, c := range conns[:n-1] {
		assert.Empty(t, c.sentAudio())
	}
	b.Stop()
}

func TestNothingDeliveredAfterStop(t *testing.T) {
	d := &fakeDialer{}
	sink := newSink()
	b := New("call-1", d, Options{}, nil)
	require.NoError(t, b.Start(context.Background(), sink, realtime.SessionConfig{}))
	conn := d.all()[0]

	b.Stop()
	conn.events <- realtime.Event{Kind: realtime.EventAudioDelta, Delta: "late"}
	require.NoError(t, b.SendAudio(media.AudioData("late", 0)))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sink.played())
	assert.Empty(t, conn.sentAudio())
}

func TestBackendCloseEndsRelay(t *testing.T) {
	d := &fakeDialer{}
	b := New("call-1", d, Options{}, nil)
	require.NoError(t, b.Start(context.Background(), newSink(), realtime.SessionConfig{}))
	conn := d.all()[0]

	close(conn.events)
	assert.Eventually(t, func() bool { return !b.Active() }, time.Second, 5*time.Millisecond)
	assert.True(t, conn.isClosed())
	b.Stop()
}

func TestTranscriptIsAccumulated(t *testing.T) {
	d := &fakeDialer{}
	b := New("call-1", d, Options{}, nil)
	require.NoError(t, b.Start(context.Background(), newSink(), realtime.SessionConfig{}))
	conn := d.all()[0]

	conn.events <- realtime.Event{Kind: realtime.EventTranscriptDelta, Delta: "Hello, I am "}
	conn.events <- realtime.Event{Kind: realtime.EventTranscriptDelta, Delta: "operator Emma."}
	conn.events <- realtime.Event{Kind: realtime.EventUnknown, Type: "rate_limits.updated"}
	assert.Eventually(t, func() bool { return b.Summary() == "Hello, I am operator Emma." }, time.Second, 5*time.Millisecond)
	b.Stop()
}

func TestStartRequiresSink(t *testing.T) {
	b := New("call-1", &fakeDialer{}, Options{}, nil)
	assert.Error(t, b.Start(context.Background(), nil, realtime.SessionConfig{}))
}

func TestStopDoesNotWaitOnStalledBackend(t *testing.T) {
	d := &fakeDialer{stall: true}
	b := New("call-1", d, Options{}, nil)
	require.NoError(t, b.Start(context.Background(), newSink(), realtime.SessionConfig{}))
	conn := d.all()[0]

	require.NoError(t, b.SendAudio(media.AudioData("c3R1Y2s=", 0)))
	waitFor(t, conn.stalled)

	stopped := make(chan struct{})
	go func() {
		b.Stop()
		close(stopped)
	}()
	waitFor(t, stopped)
	assert.True(t, conn.isClosed())
	assert.False(t, b.Active())

	// A restart after the stall gets a fresh session.
	d.mu.Lock()
	d.stall = false
	d.mu.Unlock()
	require.NoError(t, b.Start(context.Background(), newSink(), realtime.SessionConfig{}))
	assert.True(t, b.Active())
	b.Stop()
}
