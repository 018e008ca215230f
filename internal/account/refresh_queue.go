package account

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/antigravity-broker/internal/auth"
)

const queueInitialDelay = 5 * time.Second

// RefreshQueue proactively refreshes access tokens before they expire so the
// request path rarely pays the exchange latency. Refreshes run serially to
// avoid hammering the token endpoint when many accounts expire together.
type RefreshQueue struct {
	manager   *Manager
	refresher *auth.Refresher

	buffer   time.Duration
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	statsMu      sync.Mutex
	refreshCount int64
	errorCount   int64
	lastRun      time.Time
	lastError    time.Time
}

// QueueStats is an observability snapshot.
type QueueStats struct {
	Running      bool      `json:"running"`
	RefreshCount int64     `json:"refreshCount"`
	ErrorCount   int64     `json:"errorCount"`
	LastRun      time.Time `json:"lastRun,omitempty"`
	LastError    time.Time `json:"lastError,omitempty"`
}

// NewRefreshQueue builds a queue over the manager and refresher. buffer is
// how far before expiry a token is considered due; interval is the check
// cadence.
func NewRefreshQueue(manager *Manager, refresher *auth.Refresher, buffer, interval time.Duration) *RefreshQueue {
	return &RefreshQueue{
		manager:   manager,
		refresher: refresher,
		buffer:    buffer,
		interval:  interval,
	}
}

// Start launches the background loop. A second Start is a no-op.
func (q *RefreshQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})
	q.running = true
	go q.loop(ctx, q.done)
	log.Debugf("refresh queue started (buffer=%s interval=%s)", q.buffer, q.interval)
}

// Stop terminates the loop and waits for it to exit. Idempotent.
func (q *RefreshQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	cancel, done := q.cancel, q.done
	q.running = false
	q.cancel = nil
	q.done = nil
	q.mu.Unlock()

	cancel()
	<-done
	log.Debug("refresh queue stopped")
}

// Stats returns the queue counters.
func (q *RefreshQueue) Stats() QueueStats {
	q.mu.Lock()
	running := q.running
	q.mu.Unlock()

	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	return QueueStats{
		Running:      running,
		RefreshCount: q.refreshCount,
		ErrorCount:   q.errorCount,
		LastRun:      q.lastRun,
		LastError:    q.lastError,
	}
}

func (q *RefreshQueue) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(queueInitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		q.sweep(ctx)
		timer.Reset(q.interval)
	}
}

// sweep refreshes every account due within the buffer window. Accounts that
// are already expired are left to the request path, which refreshes on
// demand; duplicating that work here only risks a double exchange.
func (q *RefreshQueue) sweep(ctx context.Context) {
	now := time.Now()
	q.statsMu.Lock()
	q.lastRun = now
	q.statsMu.Unlock()

	for _, acct := range q.manager.Accounts() {
		if ctx.Err() != nil {
			return
		}
		if acct.TokenExpired(now) {
			continue
		}
		due := acct.Expires <= now.Add(q.buffer).UnixMilli()
		if !due {
			continue
		}

		result, err := q.refresher.Refresh(ctx, acct.RefreshToken)
		if err != nil {
			q.statsMu.Lock()
			q.errorCount++
			q.lastError = time.Now()
			q.statsMu.Unlock()
			if errors.Is(err, auth.ErrInvalidGrant) {
				log.Warnf("refresh queue: credentials for %s permanently rejected, removing", acct.Email)
				q.manager.Remove(acct.RefreshToken)
				continue
			}
			log.Debugf("refresh queue: refresh for %s failed: %v", acct.Email, err)
			continue
		}
		q.manager.UpdateTokens(acct.RefreshToken, result)
		q.statsMu.Lock()
		q.refreshCount++
		q.statsMu.Unlock()
	}
}
