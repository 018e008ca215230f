// Package cache implements the thinking-signature cache. Claude thinking
// models reject resubmitted thinking blocks without their original opaque
// signature, and hosts routinely strip those signatures between turns; the
// cache maps (session key, verbatim thinking text) back to the signature so
// later turns can be repaired.
//
// Entries live in memory for the memory TTL and on disk for the longer disk
// TTL, so a broker restart mid-conversation still finds the signatures it
// needs.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// FileName is the cache file inside the config directory.
const FileName = "antigravity-signature-cache.json"

// MinValidSignatureLen is the empirical floor below which upstream
// signatures are never genuine.
const MinValidSignatureLen = 50

// cleanupInterval is how often expired memory entries are evicted.
const cleanupInterval = 30 * time.Minute

// lastThinkingPrefix namespaces the per-session "last thinking" record in
// the shared entries map.
const lastThinkingPrefix = "!last:"

// fileVersion is written into the persisted cache file.
const fileVersion = "1.0"

// HasValidSignature reports whether a signature is plausibly genuine.
func HasValidSignature(signature string) bool {
	return len(signature) >= MinValidSignatureLen
}

// Entry is one cached signature.
type Entry struct {
	Value        string   `json:"value"`
	Timestamp    int64    `json:"timestamp"`
	ThinkingText string   `json:"thinkingText,omitempty"`
	ToolIDs      []string `json:"toolIds,omitempty"`
}

// Stats counts cache activity; persisted for observability.
type Stats struct {
	Stores    int64 `json:"stores"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

type diskFile struct {
	Version          string           `json:"version"`
	MemoryTTLSeconds int64            `json:"memory_ttl_seconds"`
	DiskTTLSeconds   int64            `json:"disk_ttl_seconds"`
	Entries          map[string]Entry `json:"entries"`
	Statistics       Stats            `json:"statistics"`
}

// Options tunes the cache.
type Options struct {
	Enabled       bool
	MemoryTTL     time.Duration
	DiskTTL       time.Duration
	WriteInterval time.Duration
	Path          string
}

// SignatureCache is the dual-TTL memory+disk signature map.
type SignatureCache struct {
	mu      sync.Mutex
	opts    Options
	entries map[string]Entry
	stats   Stats
	dirty   bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	now func() time.Time
}

// New creates a cache and warms it from the cache file. Timers start
// immediately when the cache is enabled.
func New(opts Options) *SignatureCache {
	c := &SignatureCache{
		opts:    opts,
		entries: make(map[string]Entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	if !opts.Enabled {
		close(c.done)
		return c
	}
	c.loadDisk()
	go c.run()
	return c
}

// Close flushes pending writes and stops the background timers.
func (c *SignatureCache) Close() {
	if !c.opts.Enabled {
		return
	}
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
	if err := c.Flush(); err != nil {
		log.Debugf("signature cache: final flush failed: %v", err)
	}
}

// Store caches a signature for (sessionKey, text). Signatures below the
// validity floor are ignored.
func (c *SignatureCache) Store(sessionKey, text, signature string) {
	if !c.opts.Enabled || sessionKey == "" || text == "" || !HasValidSignature(signature) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entryKey(sessionKey, text)] = Entry{
		Value:     signature,
		Timestamp: c.now().UnixMilli(),
	}
	c.stats.Stores++
	c.dirty = true
}

// Get returns the cached signature for (sessionKey, text). Memory is
// consulted first; entries past the memory TTL but still inside the disk TTL
// are recovered from the cache file and promoted back into memory.
func (c *SignatureCache) Get(sessionKey, text string) (string, bool) {
	if !c.opts.Enabled || sessionKey == "" || text == "" {
		return "", false
	}
	key := entryKey(sessionKey, text)

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && !c.expiredLocked(entry) {
		c.stats.Hits++
		c.mu.Unlock()
		return entry.Value, true
	}
	if ok {
		delete(c.entries, key)
		c.stats.Evictions++
		c.dirty = true
	}
	c.mu.Unlock()

	if recovered, found := c.diskLookup(key); found {
		c.mu.Lock()
		recovered.Timestamp = c.now().UnixMilli()
		c.entries[key] = recovered
		c.stats.Hits++
		c.dirty = true
		c.mu.Unlock()
		return recovered.Value, true
	}

	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
	return "", false
}

// diskLookup reads the cache file for a single key still inside the disk TTL.
func (c *SignatureCache) diskLookup(key string) (Entry, bool) {
	file := c.readDiskFile()
	if file == nil {
		return Entry{}, false
	}
	entry, ok := file.Entries[key]
	if !ok {
		return Entry{}, false
	}
	if c.now().UnixMilli()-entry.Timestamp > c.opts.DiskTTL.Milliseconds() {
		return Entry{}, false
	}
	return entry, true
}

// SetLastThinking remembers the most recent signed thinking emitted for the
// session, used to synthesize a leading thinking block when the host dropped
// the original.
func (c *SignatureCache) SetLastThinking(sessionKey, text, signature string) {
	if !c.opts.Enabled || sessionKey == "" || text == "" || !HasValidSignature(signature) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[lastThinkingPrefix+sessionKey] = Entry{
		Value:        signature,
		Timestamp:    c.now().UnixMilli(),
		ThinkingText: text,
	}
	c.dirty = true
}

// LastThinking returns the session's most recent signed thinking.
func (c *SignatureCache) LastThinking(sessionKey string) (text, signature string, ok bool) {
	if !c.opts.Enabled || sessionKey == "" {
		return "", "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, found := c.entries[lastThinkingPrefix+sessionKey]
	if !found || c.expiredLocked(entry) {
		return "", "", false
	}
	return entry.ThinkingText, entry.Value, true
}

// ClearLastThinking drops the session's last-thinking record; the
// crash-and-restart repair does this after stripping thinking.
func (c *SignatureCache) ClearLastThinking(sessionKey string) {
	if !c.opts.Enabled || sessionKey == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[lastThinkingPrefix+sessionKey]; ok {
		delete(c.entries, lastThinkingPrefix+sessionKey)
		c.dirty = true
	}
}

// Statistics returns a snapshot of the counters.
func (c *SignatureCache) Statistics() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Len returns the live entry count.
func (c *SignatureCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Flush merges memory entries with on-disk entries still inside the disk TTL
// (memory wins on collision) and writes the file atomically. No-op while
// clean.
func (c *SignatureCache) Flush() error {
	if !c.opts.Enabled {
		return nil
	}
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	merged := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		merged[k] = v
	}
	stats := c.stats
	c.dirty = false
	c.mu.Unlock()

	nowMs := c.now().UnixMilli()
	diskTTLMs := c.opts.DiskTTL.Milliseconds()
	if existing := c.readDiskFile(); existing != nil {
		for k, v := range existing.Entries {
			if nowMs-v.Timestamp > diskTTLMs {
				continue
			}
			if _, inMemory := merged[k]; !inMemory {
				merged[k] = v
			}
		}
	}

	out := diskFile{
		Version:          fileVersion,
		MemoryTTLSeconds: int64(c.opts.MemoryTTL.Seconds()),
		DiskTTLSeconds:   int64(c.opts.DiskTTL.Seconds()),
		Entries:          merged,
		Statistics:       stats,
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.opts.Path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".sigcache-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, c.opts.Path)
}

func (c *SignatureCache) run() {
	defer close(c.done)

	flush := time.NewTicker(c.opts.WriteInterval)
	cleanup := time.NewTicker(cleanupInterval)
	defer flush.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-flush.C:
			if err := c.Flush(); err != nil {
				log.Debugf("signature cache: flush failed: %v", err)
			}
		case <-cleanup.C:
			c.evictExpired()
		}
	}
}

func (c *SignatureCache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if c.expiredLocked(entry) {
			delete(c.entries, key)
			c.stats.Evictions++
			c.dirty = true
		}
	}
}

func (c *SignatureCache) expiredLocked(entry Entry) bool {
	return c.now().UnixMilli()-entry.Timestamp > c.opts.MemoryTTL.Milliseconds()
}

// loadDisk warms memory with disk entries still inside the memory TTL;
// older-but-valid disk entries stay reachable through the Get fallback.
func (c *SignatureCache) loadDisk() {
	file := c.readDiskFile()
	if file == nil {
		return
	}
	nowMs := c.now().UnixMilli()
	memoryTTLMs := c.opts.MemoryTTL.Milliseconds()

	c.mu.Lock()
	defer c.mu.Unlock()
	loaded := 0
	for key, entry := range file.Entries {
		if nowMs-entry.Timestamp > memoryTTLMs {
			continue
		}
		c.entries[key] = entry
		loaded++
	}
	c.stats = file.Statistics
	if loaded > 0 {
		log.Debugf("signature cache: loaded %d entries from disk", loaded)
	}
}

func (c *SignatureCache) readDiskFile() *diskFile {
	data, err := os.ReadFile(c.opts.Path)
	if err != nil {
		return nil
	}
	var file diskFile
	if err = json.Unmarshal(data, &file); err != nil {
		log.Debugf("signature cache: parse %s failed, ignoring: %v", c.opts.Path, err)
		return nil
	}
	return &file
}

// entryKey hashes the thinking text into a compact, Unicode-safe key.
func entryKey(sessionKey, text string) string {
	sum := sha256.Sum256([]byte(text))
	return sessionKey + ":" + hex.EncodeToString(sum[:])[:16]
}
