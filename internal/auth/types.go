// Package auth holds the broker's credential model: the versioned accounts
// file, its migration path, the OAuth endpoint definitions shared with the
// out-of-band login flow, and the refresh-token exchange.
package auth

import (
	"strings"
	"time"
)

// expirySkew treats tokens expiring within this window as already expired so
// a request never goes out with a token about to lapse mid-flight.
const expirySkew = 60 * time.Second

// QuotaKey identifies a physical upstream rate-limit bucket. The Claude
// family has one bucket; the Gemini family has two, reached via different
// header styles.
type QuotaKey string

const (
	QuotaKeyClaude            QuotaKey = "claude"
	QuotaKeyGeminiAntigravity QuotaKey = "gemini-antigravity"
	QuotaKeyGeminiCLI         QuotaKey = "gemini-cli"
)

// ModelFamily is the coarse model grouping used for account selection.
type ModelFamily string

const (
	FamilyClaude ModelFamily = "claude"
	FamilyGemini ModelFamily = "gemini"
)

// FamilyForModel derives the family from a model name.
func FamilyForModel(model string) ModelFamily {
	if strings.Contains(strings.ToLower(model), "claude") {
		return FamilyClaude
	}
	return FamilyGemini
}

// QuotaKeys returns the physical buckets backing a family.
func (f ModelFamily) QuotaKeys() []QuotaKey {
	if f == FamilyClaude {
		return []QuotaKey{QuotaKeyClaude}
	}
	return []QuotaKey{QuotaKeyGeminiAntigravity, QuotaKeyGeminiCLI}
}

// HeaderStyle selects the identification header tuple sent upstream.
type HeaderStyle string

const (
	HeaderStyleAntigravity HeaderStyle = "antigravity"
	HeaderStyleGeminiCLI   HeaderStyle = "gemini-cli"
)

// QuotaKeyFor maps a (family, header style) pair onto its bucket.
func QuotaKeyFor(family ModelFamily, style HeaderStyle) QuotaKey {
	if family == FamilyClaude {
		return QuotaKeyClaude
	}
	if style == HeaderStyleGeminiCLI {
		return QuotaKeyGeminiCLI
	}
	return QuotaKeyGeminiAntigravity
}

// Headers returns the three identification headers for this style.
func (s HeaderStyle) Headers() map[string]string {
	if s == HeaderStyleGeminiCLI {
		return map[string]string{
			"User-Agent":        "google-api-nodejs-client/9.15.1",
			"X-Goog-Api-Client": "gl-node/22.17.0",
			"Client-Metadata":   "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI",
		}
	}
	return map[string]string{
		"User-Agent":        "antigravity/1.11.5 windows/amd64",
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`,
	}
}

// SwitchReason records why the manager last moved to an account.
type SwitchReason string

const (
	SwitchReasonInitial   SwitchReason = "initial"
	SwitchReasonRateLimit SwitchReason = "rate-limit"
	SwitchReasonRotation  SwitchReason = "rotation"
)

// Account is one upstream user credential. The in-memory pool owns these
// records for the process lifetime; the accounts file is only read at
// startup and written back on mutation.
type Account struct {
	Index            int                `json:"index"`
	Email            string             `json:"email,omitempty"`
	RefreshToken     string             `json:"refreshToken"`
	ProjectID        string             `json:"projectId,omitempty"`
	ManagedProjectID string             `json:"managedProjectId,omitempty"`
	AccessToken      string             `json:"accessToken,omitempty"`
	Expires          int64              `json:"expires,omitempty"`
	AddedAt          int64              `json:"addedAt,omitempty"`
	LastUsed         int64              `json:"lastUsed,omitempty"`
	RateLimitResets  map[QuotaKey]int64 `json:"rateLimitResetTimes,omitempty"`
	LastSwitchReason SwitchReason       `json:"lastSwitchReason,omitempty"`
}

// TokenExpired reports whether the access token is absent or inside the
// clock-skew buffer of its expiry.
func (a *Account) TokenExpired(now time.Time) bool {
	if a.AccessToken == "" {
		return true
	}
	return a.Expires <= now.Add(expirySkew).UnixMilli()
}

// PruneExpiredResets drops reset times that are already in the past.
func (a *Account) PruneExpiredResets(now time.Time) {
	nowMs := now.UnixMilli()
	for key, reset := range a.RateLimitResets {
		if reset <= nowMs {
			delete(a.RateLimitResets, key)
		}
	}
}

// RateLimitedForFamily reports whether every bucket of the family currently
// has a reset time in the future. A single free bucket keeps the account
// available.
func (a *Account) RateLimitedForFamily(family ModelFamily, now time.Time) bool {
	a.PruneExpiredResets(now)
	for _, key := range family.QuotaKeys() {
		if _, limited := a.RateLimitResets[key]; !limited {
			return false
		}
	}
	return true
}

// FreeInMs returns the milliseconds until any bucket of the family frees up,
// or 0 when one is already free.
func (a *Account) FreeInMs(family ModelFamily, now time.Time) int64 {
	a.PruneExpiredResets(now)
	nowMs := now.UnixMilli()
	minWait := int64(-1)
	for _, key := range family.QuotaKeys() {
		reset, limited := a.RateLimitResets[key]
		if !limited {
			return 0
		}
		wait := reset - nowMs
		if minWait < 0 || wait < minWait {
			minWait = wait
		}
	}
	if minWait < 0 {
		return 0
	}
	return minWait
}

// Clone returns a deep copy so callers never alias the pool's record.
func (a *Account) Clone() Account {
	out := *a
	if a.RateLimitResets != nil {
		out.RateLimitResets = make(map[QuotaKey]int64, len(a.RateLimitResets))
		for k, v := range a.RateLimitResets {
			out.RateLimitResets[k] = v
		}
	}
	return out
}
