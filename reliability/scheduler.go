package reliability

import "time"

// StartPeriodicTasks launches the sweep and sync background loops via the
// embedded worker.Worker. It must be called at most once per Manager; call
// Halt (inherited from worker.Worker) to stop both loops and Wait to block
// until they have exited.
func (m *Manager) StartPeriodicTasks() {
	m.Go(m.sweepLoop)
	m.Go(m.syncLoop)
}

// sweepLoop ages the outgoing buffer and cleans the rolling Bloom filter
// on every BufferSweepInterval tick, until Halt is called.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.BufferSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.HaltCh():
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

// sweepOnce runs one sweep pass: every outgoing entry whose lastSendTime is
// at least ResendInterval old either gives up (if it has already reached
// MaxResendAttempts from a prior sweep) or is marked as resent. It then
// cleans the rolling Bloom filter if it has grown past its max capacity.
func (m *Manager) sweepOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	kept := m.outgoing[:0:0]
	var gaveUp [][]byte
	for _, o := range m.outgoing {
		if now.Sub(o.lastSendTime) >= m.cfg.ResendInterval {
			if o.resendAttempts >= m.cfg.MaxResendAttempts {
				gaveUp = append(gaveUp, o.msg.MessageID)
				continue
			}
			o.resendAttempts++
			o.lastSendTime = now
		}
		kept = append(kept, o)
	}
	m.outgoing = kept

	for _, id := range gaveUp {
		m.evSink.MessageSent(id)
	}

	m.cleanRollingIfNeeded()
}

// syncLoop fires PeriodicSync on every SyncMessageInterval tick, until Halt
// is called.
func (m *Manager) syncLoop() {
	ticker := time.NewTicker(m.cfg.SyncMessageInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.HaltCh():
			return
		case <-ticker.C:
			m.mu.Lock()
			m.evSink.PeriodicSync()
			m.mu.Unlock()
		}
	}
}
