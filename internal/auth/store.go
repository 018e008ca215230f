package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// AccountsFileName is the accounts file inside the config directory.
const AccountsFileName = "antigravity-accounts.json"

// CurrentVersion is the accounts file schema version written by this build.
const CurrentVersion = 3

// ActiveByFamily records the sticky selection per model family.
type ActiveByFamily struct {
	Claude int `json:"claude"`
	Gemini int `json:"gemini"`
}

// AccountsFile is the persisted v3 shape.
type AccountsFile struct {
	Version             int            `json:"version"`
	Accounts            []Account      `json:"accounts"`
	ActiveIndex         int            `json:"activeIndex"`
	ActiveIndexByFamily ActiveByFamily `json:"activeIndexByFamily"`
}

// EmptyAccountsFile returns a v3 file with no accounts and no selection.
func EmptyAccountsFile() *AccountsFile {
	return &AccountsFile{
		Version:             CurrentVersion,
		Accounts:            []Account{},
		ActiveIndex:         -1,
		ActiveIndexByFamily: ActiveByFamily{Claude: -1, Gemini: -1},
	}
}

// Store persists the accounts file. All writes are full-file, two-space
// indented JSON, written to a temp file and renamed into place.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store for the given directory (config dir when empty).
func NewStore(dir string) *Store {
	if dir == "" {
		dir = defaultDir()
	}
	return &Store{path: filepath.Join(dir, AccountsFileName)}
}

// Path returns the absolute accounts file path.
func (s *Store) Path() string { return s.path }

// Load reads and forward-migrates the accounts file. A missing or malformed
// file yields an empty v3 file; the on-disk content is never deleted on a
// parse failure.
func (s *Store) Load() *AccountsFile {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("accounts: read %s failed: %v", s.path, err)
		}
		return EmptyAccountsFile()
	}

	var raw map[string]json.RawMessage
	if errParse := json.Unmarshal(data, &raw); errParse != nil {
		log.Warnf("accounts: parse %s failed, ignoring file: %v", s.path, errParse)
		return EmptyAccountsFile()
	}

	version := 1
	if v, ok := raw["version"]; ok {
		_ = json.Unmarshal(v, &version)
	}

	file, errMigrate := migrate(data, version, time.Now())
	if errMigrate != nil {
		log.Warnf("accounts: migrate %s failed, ignoring file: %v", s.path, errMigrate)
		return EmptyAccountsFile()
	}
	normalize(file)
	return file
}

// Save writes the file atomically with 0600 permissions.
func (s *Store) Save(file *AccountsFile) error {
	if file == nil {
		return fmt.Errorf("accounts: nil file")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	file.Version = CurrentVersion
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("accounts: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("accounts: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".accounts-*.json")
	if err != nil {
		return fmt.Errorf("accounts: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("accounts: write temp: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("accounts: close temp: %w", err)
	}
	if err = os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("accounts: chmod temp: %w", err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("accounts: rename: %w", err)
	}
	return nil
}

// v1 persisted a single scalar reset time per account; v2 split it per
// family but used a bare "gemini" bucket key.
type accountV1 struct {
	Email              string `json:"email,omitempty"`
	RefreshToken       string `json:"refreshToken"`
	ProjectID          string `json:"projectId,omitempty"`
	ManagedProjectID   string `json:"managedProjectId,omitempty"`
	AccessToken        string `json:"accessToken,omitempty"`
	Expires            int64  `json:"expires,omitempty"`
	AddedAt            int64  `json:"addedAt,omitempty"`
	LastUsed           int64  `json:"lastUsed,omitempty"`
	RateLimitResetTime int64  `json:"rateLimitResetTime,omitempty"`
}

type fileV1 struct {
	Version     int         `json:"version"`
	Accounts    []accountV1 `json:"accounts"`
	ActiveIndex int         `json:"activeIndex"`
}

type accountV2 struct {
	Email            string           `json:"email,omitempty"`
	RefreshToken     string           `json:"refreshToken"`
	ProjectID        string           `json:"projectId,omitempty"`
	ManagedProjectID string           `json:"managedProjectId,omitempty"`
	AccessToken      string           `json:"accessToken,omitempty"`
	Expires          int64            `json:"expires,omitempty"`
	AddedAt          int64            `json:"addedAt,omitempty"`
	LastUsed         int64            `json:"lastUsed,omitempty"`
	RateLimitResets  map[string]int64 `json:"rateLimitResetTimes,omitempty"`
	LastSwitchReason string           `json:"lastSwitchReason,omitempty"`
}

type fileV2 struct {
	Version             int             `json:"version"`
	Accounts            []accountV2     `json:"accounts"`
	ActiveIndex         int             `json:"activeIndex"`
	ActiveIndexByFamily *ActiveByFamily `json:"activeIndexByFamily,omitempty"`
}

func migrate(data []byte, version int, now time.Time) (*AccountsFile, error) {
	switch version {
	case 1:
		var v1 fileV1
		if err := json.Unmarshal(data, &v1); err != nil {
			return nil, err
		}
		return migrateV2(v1ToV2(&v1), now), nil
	case 2:
		var v2 fileV2
		if err := json.Unmarshal(data, &v2); err != nil {
			return nil, err
		}
		return migrateV2(&v2, now), nil
	case CurrentVersion:
		var file AccountsFile
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, err
		}
		return &file, nil
	default:
		return nil, fmt.Errorf("unknown accounts file version %d", version)
	}
}

// v1ToV2 fans the scalar reset time out to both families. This over-reports
// limits right after an upgrade (the scalar did not record which family
// tripped), matching the historical migration path.
func v1ToV2(v1 *fileV1) *fileV2 {
	out := &fileV2{Version: 2, ActiveIndex: v1.ActiveIndex}
	for _, a := range v1.Accounts {
		migrated := accountV2{
			Email:            a.Email,
			RefreshToken:     a.RefreshToken,
			ProjectID:        a.ProjectID,
			ManagedProjectID: a.ManagedProjectID,
			AccessToken:      a.AccessToken,
			Expires:          a.Expires,
			AddedAt:          a.AddedAt,
			LastUsed:         a.LastUsed,
		}
		if a.RateLimitResetTime > 0 {
			migrated.RateLimitResets = map[string]int64{
				"claude": a.RateLimitResetTime,
				"gemini": a.RateLimitResetTime,
			}
		}
		out.Accounts = append(out.Accounts, migrated)
	}
	return out
}

// migrateV2 renames the v2 "gemini" bucket to "gemini-antigravity" and drops
// reset times already in the past.
func migrateV2(v2 *fileV2, now time.Time) *AccountsFile {
	nowMs := now.UnixMilli()
	out := &AccountsFile{
		Version:             CurrentVersion,
		ActiveIndex:         v2.ActiveIndex,
		ActiveIndexByFamily: ActiveByFamily{Claude: -1, Gemini: -1},
	}
	if v2.ActiveIndexByFamily != nil {
		out.ActiveIndexByFamily = *v2.ActiveIndexByFamily
	}
	for i, a := range v2.Accounts {
		migrated := Account{
			Index:            i,
			Email:            a.Email,
			RefreshToken:     a.RefreshToken,
			ProjectID:        a.ProjectID,
			ManagedProjectID: a.ManagedProjectID,
			AccessToken:      a.AccessToken,
			Expires:          a.Expires,
			AddedAt:          a.AddedAt,
			LastUsed:         a.LastUsed,
			LastSwitchReason: SwitchReason(a.LastSwitchReason),
		}
		for key, reset := range a.RateLimitResets {
			if reset <= nowMs {
				continue
			}
			mapped := QuotaKey(key)
			if key == "gemini" {
				mapped = QuotaKeyGeminiAntigravity
			}
			if migrated.RateLimitResets == nil {
				migrated.RateLimitResets = make(map[QuotaKey]int64)
			}
			migrated.RateLimitResets[mapped] = reset
		}
		out.Accounts = append(out.Accounts, migrated)
	}
	return out
}

// normalize enforces the file invariants: unique refresh tokens, stable
// indices, selection indices either -1 or in bounds.
func normalize(file *AccountsFile) {
	seen := make(map[string]struct{}, len(file.Accounts))
	kept := file.Accounts[:0]
	for _, a := range file.Accounts {
		if a.RefreshToken == "" {
			continue
		}
		if _, dup := seen[a.RefreshToken]; dup {
			log.Warnf("accounts: dropping duplicate refresh token entry for %s", a.Email)
			continue
		}
		seen[a.RefreshToken] = struct{}{}
		kept = append(kept, a)
	}
	file.Accounts = kept
	for i := range file.Accounts {
		file.Accounts[i].Index = i
	}

	clamp := func(idx int) int {
		if idx < 0 || idx >= len(file.Accounts) {
			return -1
		}
		return idx
	}
	file.ActiveIndex = clamp(file.ActiveIndex)
	file.ActiveIndexByFamily.Claude = clamp(file.ActiveIndexByFamily.Claude)
	file.ActiveIndexByFamily.Gemini = clamp(file.ActiveIndexByFamily.Gemini)
}

func defaultDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "opencode")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "opencode"
	}
	return filepath.Join(home, ".config", "opencode")
}
