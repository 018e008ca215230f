// Package account maintains the in-memory pool of upstream credentials:
// sticky per-family selection, per-bucket rate-limit state, the proactive
// refresh queue and the accounts-file watcher.
package account

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/antigravity-broker/internal/auth"
)

// ToastFunc surfaces a short user-visible notice. A nil func is a no-op.
type ToastFunc func(message string)

// DefaultToastDebounce suppresses repeat switch notices per account.
const DefaultToastDebounce = 30 * time.Second

// Manager owns the account pool for the process lifetime. The accounts file
// is the source of truth at startup; the pool is authoritative afterwards
// and flushed back on every durable mutation.
type Manager struct {
	mu             sync.Mutex
	store          *auth.Store
	accounts       []auth.Account
	cursor         int
	activeByFamily map[auth.ModelFamily]int

	toast         ToastFunc
	toastDebounce time.Duration
	lastToast     map[string]time.Time

	now func() time.Time
}

// NewManager loads the pool from the store.
func NewManager(store *auth.Store, toast ToastFunc) *Manager {
	m := &Manager{
		store:          store,
		toast:          toast,
		toastDebounce:  DefaultToastDebounce,
		activeByFamily: map[auth.ModelFamily]int{auth.FamilyClaude: -1, auth.FamilyGemini: -1},
		lastToast:      make(map[string]time.Time),
		now:            time.Now,
	}
	file := store.Load()
	m.accounts = file.Accounts
	m.activeByFamily[auth.FamilyClaude] = file.ActiveIndexByFamily.Claude
	m.activeByFamily[auth.FamilyGemini] = file.ActiveIndexByFamily.Gemini
	return m
}

// Len returns the pool size.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

// Accounts returns a snapshot of the pool; callers never alias pool records.
func (m *Manager) Accounts() []auth.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]auth.Account, 0, len(m.accounts))
	for i := range m.accounts {
		out = append(out, m.accounts[i].Clone())
	}
	return out
}

// GetCurrentOrNext returns the sticky selection for the family when it is
// still usable, rotating only when the current account is rate limited.
// Returns false when every account is limited for the family.
func (m *Manager) GetCurrentOrNext(family auth.ModelFamily) (auth.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	current := m.activeByFamily[family]
	if current >= 0 && current < len(m.accounts) {
		acct := &m.accounts[current]
		if !acct.RateLimitedForFamily(family, now) {
			acct.LastUsed = now.UnixMilli()
			return acct.Clone(), true
		}
	}
	return m.nextLocked(family, now)
}

// GetNext rotates to the next non-limited account for the family.
func (m *Manager) GetNext(family auth.ModelFamily) (auth.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextLocked(family, m.now())
}

func (m *Manager) nextLocked(family auth.ModelFamily, now time.Time) (auth.Account, bool) {
	available := make([]int, 0, len(m.accounts))
	for i := range m.accounts {
		if !m.accounts[i].RateLimitedForFamily(family, now) {
			available = append(available, i)
		}
	}
	if len(available) == 0 {
		return auth.Account{}, false
	}

	idx := available[m.cursor%len(available)]
	m.cursor++

	previous := m.activeByFamily[family]
	acct := &m.accounts[idx]
	acct.LastUsed = now.UnixMilli()
	if previous != idx {
		reason := auth.SwitchReasonRotation
		if previous == -1 {
			reason = auth.SwitchReasonInitial
		} else if previous < len(m.accounts) && m.accounts[previous].RateLimitedForFamily(family, now) {
			reason = auth.SwitchReasonRateLimit
		}
		acct.LastSwitchReason = reason
		m.activeByFamily[family] = idx
		m.notifySwitchLocked(acct, now)
		m.persistLocked()
	}
	return acct.Clone(), true
}

// MarkRateLimited records a reset time on the bucket selected by the family
// and header style, then persists.
func (m *Manager) MarkRateLimited(refreshToken string, retryAfter time.Duration, family auth.ModelFamily, style auth.HeaderStyle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.indexOfLocked(refreshToken)
	if idx < 0 {
		return
	}
	acct := &m.accounts[idx]
	if acct.RateLimitResets == nil {
		acct.RateLimitResets = make(map[auth.QuotaKey]int64)
	}
	key := auth.QuotaKeyFor(family, style)
	acct.RateLimitResets[key] = m.now().Add(retryAfter).UnixMilli()
	log.Debugf("account %d rate limited on %s for %s", idx, key, retryAfter)
	m.persistLocked()
}

// AvailableHeaderStyle returns the preferred free header style for the
// account and family: Claude only ever uses antigravity; Gemini falls back
// to gemini-cli when the antigravity bucket is limited.
func (m *Manager) AvailableHeaderStyle(refreshToken string, family auth.ModelFamily) (auth.HeaderStyle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.indexOfLocked(refreshToken)
	if idx < 0 {
		return "", false
	}
	acct := &m.accounts[idx]
	acct.PruneExpiredResets(m.now())

	if family == auth.FamilyClaude {
		if _, limited := acct.RateLimitResets[auth.QuotaKeyClaude]; limited {
			return "", false
		}
		return auth.HeaderStyleAntigravity, true
	}
	if _, limited := acct.RateLimitResets[auth.QuotaKeyGeminiAntigravity]; !limited {
		return auth.HeaderStyleAntigravity, true
	}
	if _, limited := acct.RateLimitResets[auth.QuotaKeyGeminiCLI]; !limited {
		return auth.HeaderStyleGeminiCLI, true
	}
	return "", false
}

// MinWaitForFamily returns how long until any account frees up for the
// family, or zero when one is free now.
func (m *Manager) MinWaitForFamily(family auth.ModelFamily) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	minWait := int64(-1)
	for i := range m.accounts {
		wait := m.accounts[i].FreeInMs(family, now)
		if wait == 0 {
			return 0
		}
		if minWait < 0 || wait < minWait {
			minWait = wait
		}
	}
	if minWait < 0 {
		return 0
	}
	return time.Duration(minWait) * time.Millisecond
}

// UpdateTokens writes a refresh result back onto the account and persists.
// A rotated refresh token replaces the lookup key.
func (m *Manager) UpdateTokens(refreshToken string, result auth.TokenResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.indexOfLocked(refreshToken)
	if idx < 0 {
		return
	}
	acct := &m.accounts[idx]
	acct.AccessToken = result.AccessToken
	acct.Expires = result.Expires
	if result.RefreshToken != "" {
		acct.RefreshToken = result.RefreshToken
	}
	m.persistLocked()
}

// SetManagedProject persists a discovered managed project id.
func (m *Manager) SetManagedProject(refreshToken, projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.indexOfLocked(refreshToken)
	if idx < 0 || m.accounts[idx].ManagedProjectID == projectID {
		return
	}
	m.accounts[idx].ManagedProjectID = projectID
	m.persistLocked()
}

// Remove drops an account whose refresh token was permanently rejected.
// Survivors are re-indexed, the cursor is clamped, and family selections
// pointing at the removed or past-end position reset to -1.
func (m *Manager) Remove(refreshToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.indexOfLocked(refreshToken)
	if idx < 0 {
		return
	}
	removed := m.accounts[idx]
	m.accounts = append(m.accounts[:idx], m.accounts[idx+1:]...)
	for i := range m.accounts {
		m.accounts[i].Index = i
	}
	if len(m.accounts) > 0 {
		m.cursor %= len(m.accounts)
	} else {
		m.cursor = 0
	}
	for family, active := range m.activeByFamily {
		switch {
		case active == idx, active >= len(m.accounts):
			m.activeByFamily[family] = -1
		case active > idx:
			m.activeByFamily[family] = active - 1
		}
	}
	log.Infof("removed account %s from pool (%d remaining)", removed.Email, len(m.accounts))
	m.persistLocked()
}

// Resync replaces pool membership from a freshly loaded file while keeping
// in-memory rate-limit state and tokens for accounts that survive, keyed by
// refresh token. Used when an external login flow rewrites the file.
func (m *Manager) Resync(file *auth.AccountsFile) {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := make(map[string]auth.Account, len(m.accounts))
	for i := range m.accounts {
		previous[m.accounts[i].RefreshToken] = m.accounts[i]
	}

	next := make([]auth.Account, 0, len(file.Accounts))
	for i, incoming := range file.Accounts {
		if existing, ok := previous[incoming.RefreshToken]; ok {
			existing.Index = i
			if incoming.ProjectID != "" {
				existing.ProjectID = incoming.ProjectID
			}
			if existing.Email == "" {
				existing.Email = incoming.Email
			}
			next = append(next, existing)
			continue
		}
		incoming.Index = i
		next = append(next, incoming)
	}
	m.accounts = next
	for family, active := range m.activeByFamily {
		if active >= len(m.accounts) {
			m.activeByFamily[family] = -1
		}
	}
	if len(m.accounts) > 0 {
		m.cursor %= len(m.accounts)
	} else {
		m.cursor = 0
	}
	log.Infof("accounts file changed, pool resynced (%d accounts)", len(m.accounts))
}

func (m *Manager) indexOfLocked(refreshToken string) int {
	for i := range m.accounts {
		if m.accounts[i].RefreshToken == refreshToken {
			return i
		}
	}
	return -1
}

func (m *Manager) notifySwitchLocked(acct *auth.Account, now time.Time) {
	if m.toast == nil {
		return
	}
	if last, ok := m.lastToast[acct.RefreshToken]; ok && now.Sub(last) < m.toastDebounce {
		return
	}
	m.lastToast[acct.RefreshToken] = now
	label := acct.Email
	if label == "" {
		label = fmt.Sprintf("#%d", acct.Index+1)
	}
	m.toast(fmt.Sprintf("Switched to account %s", label))
}

// persistLocked flushes the pool back to disk. Failures are logged, not
// fatal: the in-memory pool stays authoritative.
func (m *Manager) persistLocked() {
	file := &auth.AccountsFile{
		Version:     auth.CurrentVersion,
		Accounts:    make([]auth.Account, 0, len(m.accounts)),
		ActiveIndex: m.activeByFamily[auth.FamilyClaude],
		ActiveIndexByFamily: auth.ActiveByFamily{
			Claude: m.activeByFamily[auth.FamilyClaude],
			Gemini: m.activeByFamily[auth.FamilyGemini],
		},
	}
	for i := range m.accounts {
		file.Accounts = append(file.Accounts, m.accounts[i].Clone())
	}
	if file.ActiveIndex == -1 {
		file.ActiveIndex = m.activeByFamily[auth.FamilyGemini]
	}
	if err := m.store.Save(file); err != nil {
		log.Errorf("accounts: persist failed: %v", err)
	}
}
