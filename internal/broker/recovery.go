package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/antigravity-broker/internal/account"
	"github.com/router-for-me/antigravity-broker/internal/config"
)

// HostClient is the minimal surface the recovery hook needs from the host.
type HostClient interface {
	AbortSession(ctx context.Context, sessionID string) error
	// MessageParts returns the content blocks of a message as raw JSON.
	MessageParts(ctx context.Context, sessionID, messageID string) ([]byte, error)
	ReplaceMessageParts(ctx context.Context, sessionID, messageID string, parts []byte) error
	// Prompt re-sends a user turn preserving the agent and model.
	Prompt(ctx context.Context, sessionID, text, agent, model string) error
}

// PartsStore reads message parts from the host's on-disk storage when the
// client API returns nothing (observed when the host aborted mid-write).
type PartsStore interface {
	ReadMessageParts(sessionID, messageID string) ([]byte, error)
}

// DirPartsStore reads the host's message-part files laid out as
// <dir>/<session>/<message>.json.
type DirPartsStore struct {
	Dir string
}

// ReadMessageParts loads one message's content blocks from disk.
func (s DirPartsStore) ReadMessageParts(sessionID, messageID string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.Dir, sessionID, messageID+".json"))
}

// SessionError is the host-surfaced error event the hook inspects.
type SessionError struct {
	SessionID string
	MessageID string
	Message   string
	Agent     string
	Model     string
}

// repairKind classifies what went wrong with the conversation.
type repairKind int

const (
	repairNone repairKind = iota
	// repairOrphanTools: the host aborted mid-tool, leaving tool_use blocks
	// without results.
	repairOrphanTools
	// repairThinkingOrder: thinking blocks are missing or misplaced at the
	// start of the assistant turn.
	repairThinkingOrder
	// repairStripThinking: thinking blocks were sent to a non-thinking model.
	repairStripThinking
)

// RecoveryHook subscribes to host session-error events and repairs the
// conversation state they describe.
type RecoveryHook struct {
	cfg   *config.Config
	host  HostClient
	store PartsStore
	toast account.ToastFunc
}

// NewRecoveryHook wires the hook. store and toast may be nil.
func NewRecoveryHook(cfg *config.Config, host HostClient, store PartsStore, toast account.ToastFunc) *RecoveryHook {
	return &RecoveryHook{cfg: cfg, host: host, store: store, toast: toast}
}

// classify decides whether an error message is recoverable and how.
func classify(message string) repairKind {
	lowered := strings.ToLower(message)

	if strings.Contains(lowered, "tool_use") && strings.Contains(lowered, "tool_result") {
		return repairOrphanTools
	}
	if strings.Contains(lowered, "thinking") {
		for _, fragment := range []string{"first block", "must start with", "preceeding", "expected"} {
			if strings.Contains(lowered, fragment) {
				if fragment == "expected" && !strings.Contains(lowered, "found") {
					continue
				}
				return repairThinkingOrder
			}
		}
	}
	if strings.Contains(lowered, "thinking is disabled") && strings.Contains(lowered, "cannot contain") {
		return repairStripThinking
	}
	return repairNone
}

// HandleSessionError reacts to one host error event: abort, fetch the failed
// message's parts, repair, and optionally auto-resume. Unrecoverable errors
// are ignored.
func (h *RecoveryHook) HandleSessionError(ctx context.Context, evt SessionError) error {
	if !h.cfg.SessionRecovery {
		return nil
	}
	kind := classify(evt.Message)
	if kind == repairNone {
		return nil
	}
	log.Infof("recovery: repairing session %s (%v)", evt.SessionID, evt.Message)

	if err := h.host.AbortSession(ctx, evt.SessionID); err != nil {
		log.Debugf("recovery: abort failed: %v", err)
	}

	parts, err := h.host.MessageParts(ctx, evt.SessionID, evt.MessageID)
	if err != nil || len(parts) == 0 || string(parts) == "[]" {
		if h.store == nil {
			return h.surrender(fmt.Errorf("recovery: no message parts available"))
		}
		parts, err = h.store.ReadMessageParts(evt.SessionID, evt.MessageID)
		if err != nil {
			return h.surrender(fmt.Errorf("recovery: read parts store: %w", err))
		}
	}

	repaired, err := repairParts(parts, kind)
	if err != nil {
		return h.surrender(err)
	}
	if err = h.host.ReplaceMessageParts(ctx, evt.SessionID, evt.MessageID, repaired); err != nil {
		return h.surrender(fmt.Errorf("recovery: replace parts: %w", err))
	}

	if h.cfg.AutoResume {
		if err = h.host.Prompt(ctx, evt.SessionID, h.cfg.ResumeText, evt.Agent, evt.Model); err != nil {
			return h.surrender(fmt.Errorf("recovery: resume prompt: %w", err))
		}
	}
	if h.toast != nil && !h.cfg.QuietMode {
		h.toast("Session repaired and resumed")
	}
	return nil
}

func (h *RecoveryHook) surrender(err error) error {
	log.Warnf("recovery: giving up: %v", err)
	if h.toast != nil {
		h.toast("Session recovery failed: " + err.Error())
	}
	return err
}

// repairParts applies the selected repair to a message's content blocks.
func repairParts(raw []byte, kind repairKind) ([]byte, error) {
	var blocks []map[string]interface{}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("recovery: parse parts: %w", err)
	}

	switch kind {
	case repairOrphanTools:
		blocks = injectToolResults(blocks)
	case repairThinkingOrder:
		blocks = prependThinking(blocks)
	case repairStripThinking:
		blocks = stripThinkingBlocks(blocks)
	}

	out, err := json.Marshal(blocks)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// injectToolResults appends a synthetic tool_result for every tool_use that
// has none so the next turn parses.
func injectToolResults(blocks []map[string]interface{}) []map[string]interface{} {
	answered := make(map[string]bool)
	for _, block := range blocks {
		if block["type"] == "tool_result" {
			if id, _ := block["tool_use_id"].(string); id != "" {
				answered[id] = true
			}
		}
	}
	for _, block := range blocks {
		if block["type"] != "tool_use" {
			continue
		}
		id, _ := block["id"].(string)
		if id == "" || answered[id] {
			continue
		}
		blocks = append(blocks, map[string]interface{}{
			"type":        "tool_result",
			"tool_use_id": id,
			"content":     "Operation cancelled or missing",
		})
	}
	return blocks
}

// prependThinking moves an existing thinking block to the front, or inserts
// an empty one, so the turn starts the way a thinking model demands.
func prependThinking(blocks []map[string]interface{}) []map[string]interface{} {
	for i, block := range blocks {
		if block["type"] == "thinking" {
			if i == 0 {
				return blocks
			}
			reordered := make([]map[string]interface{}, 0, len(blocks))
			reordered = append(reordered, block)
			reordered = append(reordered, blocks[:i]...)
			reordered = append(reordered, blocks[i+1:]...)
			return reordered
		}
	}
	return append([]map[string]interface{}{{"type": "thinking", "thinking": ""}}, blocks...)
}

func stripThinkingBlocks(blocks []map[string]interface{}) []map[string]interface{} {
	kept := make([]map[string]interface{}, 0, len(blocks))
	for _, block := range blocks {
		if block["type"] == "thinking" || block["type"] == "redacted_thinking" {
			continue
		}
		kept = append(kept, block)
	}
	return kept
}
