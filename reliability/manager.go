// Package reliability implements the transport-agnostic reliability core:
// a Lamport clock, causal-history tracking, duplicate/ack detection via a
// rolling Bloom filter, and deferred delivery of messages whose causal
// dependencies have not yet arrived.
package reliability

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"

	"github.com/waku-org/go-sds/bloom"
	"github.com/waku-org/go-sds/internal/worker"
	"github.com/waku-org/go-sds/sink"
	"github.com/waku-org/go-sds/wire"
)

// outgoingEntry tracks one not-yet-acknowledged WrapOutgoing call.
type outgoingEntry struct {
	msg            wire.Message
	firstSendTime  time.Time
	lastSendTime   time.Time
	resendAttempts int
}

// incomingEntry tracks one received message pending delivery, keyed by its
// messageId string in Manager.incoming.
type incomingEntry struct {
	msg         wire.Message
	missingDeps map[string]struct{}
}

// ManagerStats is a point-in-time snapshot of Manager's internal buffers,
// for callers (e.g. the metrics collector) that want to observe it without
// touching unexported state.
type ManagerStats struct {
	LamportTimestamp    int64
	DeliveredHistoryLen int
	OutgoingBufferLen   int
	IncomingBufferLen   int
	RollingBloomLen     int
}

// Manager is the reliability core for a single channel. The zero value is
// not usable; construct one with NewManager. A Manager is safe for
// concurrent use.
type Manager struct {
	worker.Worker

	mu sync.Mutex

	channelID []byte
	cfg       Config
	evSink    sink.EventSink
	logger    *charmlog.Logger

	lamport      int64
	delivered    []string // ordered oldest-to-newest, bounded by cfg.MaxMessageHistory
	deliveredSet map[string]struct{}
	outgoing     []*outgoingEntry
	incoming     map[string]*incomingEntry
	rolling      *bloom.Rolling
}

// NewManager constructs a Manager for channelID with cfg (zero-valued
// fields are replaced by DefaultConfig's values) and evSink (a nil evSink
// is replaced by sink.NoopSink{}).
func NewManager(channelID []byte, cfg Config, evSink sink.EventSink) (*Manager, error) {
	if len(channelID) == 0 {
		return nil, newError(ErrInvalidArgument, "NewManager", fmt.Errorf("empty channelId"))
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rolling, err := bloom.NewRolling(cfg.BloomFilterCapacity, cfg.BloomFilterErrorRate)
	if err != nil {
		return nil, newError(mapBloomErr(err), "NewManager", err)
	}

	if evSink == nil {
		evSink = sink.NoopSink{}
	}

	return &Manager{
		channelID:    append([]byte(nil), channelID...),
		cfg:          cfg,
		evSink:       evSink,
		logger:       charmlog.Default().With("channelId", fmt.Sprintf("%x", channelID)),
		delivered:    make([]string, 0, cfg.MaxMessageHistory),
		deliveredSet: make(map[string]struct{}, cfg.MaxMessageHistory),
		incoming:     make(map[string]*incomingEntry),
		rolling:      rolling,
	}, nil
}

func mapBloomErr(err error) error {
	if errors.Is(err, bloom.ErrOutOfMemory) {
		return ErrOutOfMemory
	}
	return ErrInvalidArgument
}

// SetEventSink replaces the sink invoked on state transitions. A nil s
// replaces the current sink with sink.NoopSink{}.
func (m *Manager) SetEventSink(s sink.EventSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == nil {
		s = sink.NoopSink{}
	}
	m.evSink = s
}

// Stats returns a snapshot of the Manager's internal buffer sizes and
// current Lamport timestamp.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{
		LamportTimestamp:    m.lamport,
		DeliveredHistoryLen: len(m.delivered),
		OutgoingBufferLen:   len(m.outgoing),
		IncomingBufferLen:   len(m.incoming),
		RollingBloomLen:     m.rolling.Len(),
	}
}

// Reset clears all Manager state — the Lamport clock, delivered history,
// outgoing/incoming buffers, and rolling Bloom filter — back to a fresh
// state, without changing the configured channelId or Config. It does not
// affect a running periodic-task goroutine; call Halt/Wait around Reset if
// StartPeriodicTasks has been called.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rolling, err := bloom.NewRolling(m.cfg.BloomFilterCapacity, m.cfg.BloomFilterErrorRate)
	if err != nil {
		return newError(mapBloomErr(err), "Reset", err)
	}

	m.lamport = 0
	m.delivered = m.delivered[:0]
	m.deliveredSet = make(map[string]struct{}, m.cfg.MaxMessageHistory)
	m.outgoing = nil
	m.incoming = make(map[string]*incomingEntry)
	m.rolling = rolling
	return nil
}

// WrapOutgoing advances the Lamport clock, snapshots the causal history and
// current rolling Bloom filter, and encodes payload/messageId into a wire
// frame ready to publish. The entry is tracked in the outgoing buffer until
// acknowledged (via a peer's causal history or Bloom filter) or given up on
// by the periodic sweep.
func (m *Manager) WrapOutgoing(payload, messageID []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, newError(ErrInvalidArgument, "WrapOutgoing", fmt.Errorf("empty payload"))
	}
	if len(payload) > MaxMessageSize {
		return nil, newError(ErrMessageTooLarge, "WrapOutgoing", fmt.Errorf("payload of %d bytes exceeds %d", len(payload), MaxMessageSize))
	}
	if len(messageID) == 0 {
		return nil, newError(ErrInvalidArgument, "WrapOutgoing", fmt.Errorf("empty messageId"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 1. advance the Lamport clock.
	ts := m.lamport
	if wall := time.Now().Unix(); wall > ts {
		ts = wall
	}
	ts++
	m.lamport = ts

	// 2. snapshot the causal history: the most recent MaxCausalHistory
	// delivered ids, in delivery order.
	n := m.cfg.MaxCausalHistory
	if len(m.delivered) < n {
		n = len(m.delivered)
	}
	history := make([]wire.HistoryEntry, 0, n)
	for _, idStr := range m.delivered[len(m.delivered)-n:] {
		history = append(history, wire.HistoryEntry{MessageID: []byte(idStr)})
	}

	// 3. serialize the current rolling Bloom filter.
	filterBytes, err := wire.EncodeFilter(wire.FilterToWire(m.rolling.Filter()))
	if err != nil {
		return nil, newError(ErrSerialization, "WrapOutgoing", err)
	}

	// 4. build the message and track it in the outgoing buffer.
	msg := wire.Message{
		MessageID:        append([]byte(nil), messageID...),
		LamportTimestamp: ts,
		CausalHistory:    history,
		ChannelID:        m.channelID,
		Content:          payload,
		BloomFilter:      filterBytes,
	}
	now := time.Now()
	m.outgoing = append(m.outgoing, &outgoingEntry{msg: msg, firstSendTime: now, lastSendTime: now})

	// 5. record the new message in the rolling Bloom filter and delivered
	// history, so it acks/dedupes correctly the moment it is seen again.
	m.rolling.Insert(messageID)
	m.cleanRollingIfNeeded()
	m.appendDelivered(messageID)

	// 6. encode. The prior validation of payload/messageId/channelId and
	// the fact every causal-history id came from our own delivered history
	// (never empty) means this cannot fail in practice; it is not worth
	// unwinding steps 4-5 for a case that cannot occur.
	frame, err := wire.EncodeMessage(&msg)
	if err != nil {
		return nil, newError(ErrSerialization, "WrapOutgoing", err)
	}
	return frame, nil
}

// UnwrapIncoming decodes frame, runs duplicate detection, reviews the
// sender's acknowledgments against our outgoing buffer, and either
// delivers the message immediately (if every causal dependency is already
// satisfied) or defers it in the incoming buffer. It returns the decoded
// payload and the exact set of causal-history ids this message is still
// missing (nil/empty if none).
func (m *Manager) UnwrapIncoming(frame []byte) ([]byte, [][]byte, error) {
	decoded, err := wire.DecodeMessage(frame)
	if err != nil {
		return nil, nil, newError(ErrDeserialization, "UnwrapIncoming", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idStr := string(decoded.MessageID)
	if _, ok := m.deliveredSet[idStr]; ok {
		m.rolling.Insert(decoded.MessageID)
		m.cleanRollingIfNeeded()
		return decoded.Content, nil, nil
	}

	m.rolling.Insert(decoded.MessageID)
	m.cleanRollingIfNeeded()

	incomingTs := m.lamport
	if decoded.LamportTimestamp > incomingTs {
		incomingTs = decoded.LamportTimestamp
	}
	incomingTs++
	m.lamport = incomingTs

	m.reviewAcks(decoded)

	var missingDeps [][]byte
	seen := make(map[string]struct{}, len(decoded.CausalHistory))
	anyPending := false
	for _, h := range decoded.CausalHistory {
		hStr := string(h.MessageID)
		if _, pending := m.incoming[hStr]; pending {
			anyPending = true
		}
		if _, delivered := m.deliveredSet[hStr]; delivered {
			continue
		}
		if m.rolling.Contains(h.MessageID) {
			continue
		}
		if _, dup := seen[hStr]; dup {
			continue
		}
		seen[hStr] = struct{}{}
		missingDeps = append(missingDeps, h.MessageID)
	}

	if len(missingDeps) == 0 && !anyPending {
		m.appendDelivered(decoded.MessageID)
		m.evSink.MessageReady(decoded.MessageID)
		for _, e := range m.incoming {
			delete(e.missingDeps, idStr)
		}
		m.processIncomingBuffer()
	} else {
		depsSet := make(map[string]struct{}, len(missingDeps))
		for _, d := range missingDeps {
			depsSet[string(d)] = struct{}{}
		}
		m.incoming[idStr] = &incomingEntry{msg: *decoded, missingDeps: depsSet}
		if len(missingDeps) > 0 {
			m.evSink.MissingDependencies(decoded.MessageID, missingDeps)
		}
	}

	return decoded.Content, missingDeps, nil
}

// MarkDependenciesMet tells the Manager that ids (obtained out of band, not
// via UnwrapIncoming) are now considered satisfied: they are inserted into
// the rolling Bloom filter and cleared from every pending incoming entry's
// missingDeps, then the incoming buffer is drained for anything now ready.
func (m *Manager) MarkDependenciesMet(ids [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if len(id) == 0 {
			return newError(ErrInvalidArgument, "MarkDependenciesMet", fmt.Errorf("empty id"))
		}
		m.rolling.Insert(id)
		m.cleanRollingIfNeeded()
		idStr := string(id)
		for _, e := range m.incoming {
			delete(e.missingDeps, idStr)
		}
	}
	m.processIncomingBuffer()
	return nil
}

// cleanRollingIfNeeded rebuilds the rolling Bloom filter immediately when
// it has grown past its max capacity, so invariant I3 (Len() <=
// MaxCapacity()) holds at every observation point between public calls,
// not just after the periodic sweep. A clean failure is non-fatal and
// logged; the filter is left as-is until the next insert or sweep retries.
func (m *Manager) cleanRollingIfNeeded() {
	if !m.rolling.NeedsClean() {
		return
	}
	if err := m.rolling.Clean(); err != nil {
		m.logger.Warn("rolling bloom filter clean failed", "err", err)
	}
}

// appendDelivered records id in the delivered history, evicting the
// oldest entries once MaxMessageHistory is exceeded (invariant I1). It is
// a no-op if id is already present.
func (m *Manager) appendDelivered(id []byte) {
	idStr := string(id)
	if _, ok := m.deliveredSet[idStr]; ok {
		return
	}
	m.delivered = append(m.delivered, idStr)
	m.deliveredSet[idStr] = struct{}{}
	for len(m.delivered) > m.cfg.MaxMessageHistory {
		oldest := m.delivered[0]
		m.delivered = m.delivered[1:]
		delete(m.deliveredSet, oldest)
	}
}

// reviewAcks checks every entry in the outgoing buffer against incoming's
// causal history and (if present and decodable) Bloom filter, firing
// MessageSent and removing each acknowledged entry. A Bloom filter that
// fails to decode is treated as absent — per spec, this is non-fatal.
func (m *Manager) reviewAcks(incoming *wire.Message) {
	var filter *bloom.Filter
	if len(incoming.BloomFilter) > 0 {
		if sf, err := wire.DecodeFilter(incoming.BloomFilter); err == nil {
			if f, err2 := wire.FilterFromWire(sf); err2 == nil {
				filter = f
			}
		}
	}

	causalIDs := make(map[string]struct{}, len(incoming.CausalHistory))
	for _, h := range incoming.CausalHistory {
		causalIDs[string(h.MessageID)] = struct{}{}
	}

	var ackedIdx []int
	for i, o := range m.outgoing {
		idStr := string(o.msg.MessageID)
		_, inHistory := causalIDs[idStr]
		ackedByFilter := filter != nil && filter.Contains(o.msg.MessageID)
		if inHistory || ackedByFilter {
			ackedIdx = append(ackedIdx, i)
		}
	}

	for _, i := range ackedIdx {
		m.evSink.MessageSent(m.outgoing[i].msg.MessageID)
	}
	for j := len(ackedIdx) - 1; j >= 0; j-- {
		i := ackedIdx[j]
		m.outgoing = append(m.outgoing[:i], m.outgoing[i+1:]...)
	}
}

// processIncomingBuffer repeatedly drains any incoming entry whose
// missingDeps set has become empty, in lamport-then-messageId ascending
// order among entries that become ready in the same pass, cascading the
// removal of each drained id from every remaining entry's missingDeps
// until a full pass drains nothing.
func (m *Manager) processIncomingBuffer() {
	for {
		var ready []*incomingEntry
		for _, e := range m.incoming {
			if len(e.missingDeps) == 0 {
				ready = append(ready, e)
			}
		}
		if len(ready) == 0 {
			return
		}
		sort.Slice(ready, func(i, j int) bool {
			if ready[i].msg.LamportTimestamp != ready[j].msg.LamportTimestamp {
				return ready[i].msg.LamportTimestamp < ready[j].msg.LamportTimestamp
			}
			return bytes.Compare(ready[i].msg.MessageID, ready[j].msg.MessageID) < 0
		})

		for _, e := range ready {
			idStr := string(e.msg.MessageID)
			delete(m.incoming, idStr)
			m.appendDelivered(e.msg.MessageID)
			m.evSink.MessageReady(e.msg.MessageID)
			for _, f := range m.incoming {
				delete(f.missingDeps, idStr)
			}
		}
	}
}
