package sync

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"pos-sync-client/internal/logger"
)

// Manager owns the sync lifecycle: it listens for connectivity-restored
// events and external flush requests, and runs flush-then-sync-down
// cycles in its own goroutine. External triggers that may lack
// credentials (the cron scheduler, the HTTP trigger endpoint) delegate
// by calling RequestFlush instead of flushing inline; the manager's
// goroutine performs the actual calls with the decorated transport.
type Manager struct {
	flusher *Flusher
	syncer  *Syncer
	conn    Connectivity

	flushRequests chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	mu     sync.Mutex
	status string
}

func NewManager(flusher *Flusher, syncer *Syncer, conn Connectivity) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		flusher:       flusher,
		syncer:        syncer,
		conn:          conn,
		flushRequests: make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
		status:        "idle",
	}
}

func (m *Manager) Start() {
	m.wg.Add(1)
	go m.run()
	logger.Log.Info("Starting sync manager")
}

func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	logger.Log.Info("Stopped sync manager")
}

// RequestFlush asks for a sync cycle without performing it. Non-blocking;
// requests arriving while a cycle is queued coalesce into one.
func (m *Manager) RequestFlush() {
	select {
	case m.flushRequests <- struct{}{}:
	default:
	}
}

func (m *Manager) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) setStatus(s string) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

func (m *Manager) run() {
	defer m.wg.Done()

	online := m.conn.Subscribe()
	for {
		select {
		case <-online:
			logger.Log.Info("Connectivity restored, starting sync cycle")
			m.runCycle()
		case <-m.flushRequests:
			m.runCycle()
		case <-m.ctx.Done():
			return
		}
	}
}

// runCycle drains the outbox first so queued mutations land before the
// snapshot refresh, then pulls the authoritative state back down.
func (m *Manager) runCycle() {
	m.setStatus("syncing")
	defer m.setStatus("idle")

	flushReport, err := m.flusher.Flush(m.ctx)
	switch {
	case errors.Is(err, ErrOffline):
		logger.Log.Info("Skipping sync cycle while offline")
		return
	case errors.Is(err, ErrFlushInFlight):
		return
	case err != nil:
		logger.Log.Error("Flush failed", zap.Error(err))
		return
	}

	if flushReport.Paused {
		// The network came and went; the next connectivity event or
		// scheduled run picks the queue back up.
		return
	}

	if _, err := m.syncer.SyncDown(m.ctx); err != nil && !errors.Is(err, ErrSyncInFlight) {
		logger.Log.Error("Sync-down failed", zap.Error(err))
	}
}
