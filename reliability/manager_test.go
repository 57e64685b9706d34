package reliability

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waku-org/go-sds/sink"
	"github.com/waku-org/go-sds/wire"
)

// recordingSink captures every callback invocation for assertions. It is
// safe for concurrent use since the scheduler's goroutines call into it
// under the Manager's lock, but tests may also inspect it directly.
type recordingSink struct {
	mu        sync.Mutex
	ready     [][]byte
	sent      [][]byte
	missing   [][][]byte
	missingID [][]byte
	syncs     int
}

func (r *recordingSink) MessageReady(id []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = append(r.ready, append([]byte(nil), id...))
}

func (r *recordingSink) MessageSent(id []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, append([]byte(nil), id...))
}

func (r *recordingSink) MissingDependencies(id []byte, ids [][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.missingID = append(r.missingID, append([]byte(nil), id...))
	cp := make([][]byte, len(ids))
	for i, d := range ids {
		cp[i] = append([]byte(nil), d...)
	}
	r.missing = append(r.missing, cp)
}

func (r *recordingSink) PeriodicSync() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncs++
}

func (r *recordingSink) readyIDs() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.ready...)
}

func (r *recordingSink) sentIDs() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.sent...)
}

var _ sink.EventSink = (*recordingSink)(nil)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BloomFilterCapacity = 100
	cfg.MaxMessageHistory = 50
	cfg.MaxCausalHistory = 10
	cfg.ResendInterval = 50 * time.Millisecond
	cfg.MaxResendAttempts = 2
	cfg.SyncMessageInterval = time.Hour
	cfg.BufferSweepInterval = time.Hour
	return cfg
}

func newTestManager(t *testing.T, s *recordingSink) *Manager {
	t.Helper()
	var evSink sink.EventSink = sink.NoopSink{}
	if s != nil {
		evSink = s
	}
	m, err := NewManager([]byte("channel-1"), testConfig(), evSink)
	require.NoError(t, err)
	return m
}

func TestRoundTrip(t *testing.T) {
	s := &recordingSink{}
	m := newTestManager(t, s)

	frame, err := m.WrapOutgoing([]byte("hello"), []byte("m1"))
	require.NoError(t, err)
	require.NotEmpty(t, frame)

	peer := newTestManager(t, s)
	payload, missing, err := peer.UnwrapIncoming(frame)
	require.NoError(t, err)
	require.Empty(t, missing)
	require.Equal(t, []byte("hello"), payload)
	require.Equal(t, [][]byte{[]byte("m1")}, s.readyIDs())
}

func TestDependencyDetection(t *testing.T) {
	sender := newTestManager(t, nil)

	frame1, err := sender.WrapOutgoing([]byte("first"), []byte("m1"))
	require.NoError(t, err)
	frame2, err := sender.WrapOutgoing([]byte("second"), []byte("m2"))
	require.NoError(t, err)

	s := &recordingSink{}
	receiver := newTestManager(t, s)

	// receiver never saw m1, so unwrapping m2 (whose causal history
	// references m1) must report it missing and defer delivery.
	payload, missing, err := receiver.UnwrapIncoming(frame2)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), payload)
	require.Equal(t, [][]byte{[]byte("m1")}, missing)
	require.Empty(t, s.readyIDs())

	// once m1 itself arrives and is delivered directly, m2 must drain out
	// of the incoming buffer in the same pass, in causal order.
	_, missing1, err := receiver.UnwrapIncoming(frame1)
	require.NoError(t, err)
	require.Empty(t, missing1)
	require.Equal(t, [][]byte{[]byte("m1"), []byte("m2")}, s.readyIDs())

	stats := receiver.Stats()
	require.Equal(t, 0, stats.IncomingBufferLen)
}

func TestMarkDependenciesMet(t *testing.T) {
	sender := newTestManager(t, nil)
	_, err := sender.WrapOutgoing([]byte("first"), []byte("m1"))
	require.NoError(t, err)
	frame2, err := sender.WrapOutgoing([]byte("second"), []byte("m2"))
	require.NoError(t, err)

	s := &recordingSink{}
	receiver := newTestManager(t, s)
	_, missing, err := receiver.UnwrapIncoming(frame2)
	require.NoError(t, err)
	require.NotEmpty(t, missing)

	require.NoError(t, receiver.MarkDependenciesMet([][]byte{[]byte("m1")}))
	require.Equal(t, [][]byte{[]byte("m2")}, s.readyIDs())

	stats := receiver.Stats()
	require.Equal(t, 0, stats.IncomingBufferLen)
}

func TestAckViaCausalHistory(t *testing.T) {
	alice := newTestManager(t, nil)
	bob := newTestManager(t, nil)

	frame1, err := alice.WrapOutgoing([]byte("hi"), []byte("a1"))
	require.NoError(t, err)

	s := &recordingSink{}
	alice.SetEventSink(s)

	_, _, err = bob.UnwrapIncoming(frame1)
	require.NoError(t, err)

	// bob's reply references a1 in its causal history, acknowledging it.
	frame2, err := bob.WrapOutgoing([]byte("hi back"), []byte("b1"))
	require.NoError(t, err)

	_, _, err = alice.UnwrapIncoming(frame2)
	require.NoError(t, err)

	require.Equal(t, [][]byte{[]byte("a1")}, s.sentIDs())
	require.Equal(t, 0, alice.Stats().OutgoingBufferLen)
}

func TestAckViaBloom(t *testing.T) {
	alice := newTestManager(t, nil)
	bob := newTestManager(t, nil)

	frame1, err := alice.WrapOutgoing([]byte("hi"), []byte("a1"))
	require.NoError(t, err)

	s := &recordingSink{}
	alice.SetEventSink(s)

	_, _, err = bob.UnwrapIncoming(frame1)
	require.NoError(t, err)

	// bob's next message carries an empty causal history, only bob's
	// rolling Bloom filter, which has seen a1; that filter alone acks a1.
	filterBytes, err := wire.EncodeFilter(wire.FilterToWire(bob.rolling.Filter()))
	require.NoError(t, err)
	frame2, err := wire.EncodeMessage(&wire.Message{
		MessageID:        []byte("b1"),
		LamportTimestamp: 1,
		ChannelID:        []byte("channel-1"),
		Content:          []byte("unrelated"),
		BloomFilter:      filterBytes,
	})
	require.NoError(t, err)

	_, _, err = alice.UnwrapIncoming(frame2)
	require.NoError(t, err)

	require.Equal(t, [][]byte{[]byte("a1")}, s.sentIDs())
}

func TestRetryAging(t *testing.T) {
	s := &recordingSink{}
	m := newTestManager(t, s)

	_, err := m.WrapOutgoing([]byte("payload"), []byte("m1"))
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	m.sweepOnce()
	require.Equal(t, 1, m.outgoing[0].resendAttempts)
	require.Equal(t, 1, m.Stats().OutgoingBufferLen)

	time.Sleep(60 * time.Millisecond)
	m.sweepOnce()
	require.Equal(t, 1, m.Stats().OutgoingBufferLen)
	require.Equal(t, 2, m.outgoing[0].resendAttempts)

	time.Sleep(60 * time.Millisecond)
	m.sweepOnce()
	require.Equal(t, 0, m.Stats().OutgoingBufferLen)
	require.Equal(t, [][]byte{[]byte("m1")}, s.sentIDs())
}

func TestDuplicateSuppression(t *testing.T) {
	sender := newTestManager(t, nil)
	frame, err := sender.WrapOutgoing([]byte("payload"), []byte("m1"))
	require.NoError(t, err)

	s := &recordingSink{}
	receiver := newTestManager(t, s)

	_, missing1, err := receiver.UnwrapIncoming(frame)
	require.NoError(t, err)
	require.Empty(t, missing1)

	_, missing2, err := receiver.UnwrapIncoming(frame)
	require.NoError(t, err)
	require.Empty(t, missing2)

	require.Equal(t, [][]byte{[]byte("m1")}, s.readyIDs())
}

func TestWrapOutgoingRejectsInvalidArguments(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.WrapOutgoing(nil, []byte("m1"))
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = m.WrapOutgoing([]byte("x"), nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	big := make([]byte, MaxMessageSize+1)
	_, err = m.WrapOutgoing(big, []byte("m1"))
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestUnwrapIncomingRejectsMalformedFrame(t *testing.T) {
	m := newTestManager(t, nil)
	_, _, err := m.UnwrapIncoming([]byte{0xFF, 0xFF, 0xFF})
	require.ErrorIs(t, err, ErrDeserialization)
}

func TestCausalHistoryBoundedByMaxCausalHistory(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCausalHistory = 2
	m, err := NewManager([]byte("chan"), cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		id := []byte{byte('a' + i)}
		_, err := m.WrapOutgoing([]byte("payload"), id)
		require.NoError(t, err)
	}

	frame, err := m.WrapOutgoing([]byte("last"), []byte("z"))
	require.NoError(t, err)

	// round-trip through another manager to inspect the causal history
	// length indirectly: only the 2 most recent predecessors should be
	// referenced, so only those 2 are reported missing.
	receiver := newTestManager(t, nil)
	_, missing, err := receiver.UnwrapIncoming(frame)
	require.NoError(t, err)
	require.Len(t, missing, 2)
}

func TestResetClearsState(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.WrapOutgoing([]byte("payload"), []byte("m1"))
	require.NoError(t, err)
	require.NotZero(t, m.Stats().LamportTimestamp)

	require.NoError(t, m.Reset())

	stats := m.Stats()
	require.Zero(t, stats.LamportTimestamp)
	require.Zero(t, stats.DeliveredHistoryLen)
	require.Zero(t, stats.OutgoingBufferLen)
	require.Zero(t, stats.IncomingBufferLen)
	require.Zero(t, stats.RollingBloomLen)
}

func TestStartPeriodicTasksHaltsCleanly(t *testing.T) {
	m := newTestManager(t, nil)
	m.cfg.SyncMessageInterval = 5 * time.Millisecond
	m.cfg.BufferSweepInterval = 5 * time.Millisecond
	m.StartPeriodicTasks()

	time.Sleep(20 * time.Millisecond)
	m.Halt()
	m.Wait()
}
