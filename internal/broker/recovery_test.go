package broker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/router-for-me/antigravity-broker/internal/config"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		message string
		want    repairKind
	}{
		{"messages.5: `tool_use` ids were found without `tool_result` blocks immediately after", repairOrphanTools},
		{"When `thinking` is enabled, the final assistant message must start with a thinking block", repairThinkingOrder},
		{"messages.2: the first block must be thinking", repairThinkingOrder},
		{"thinking: expected `thinking`, found `text`", repairThinkingOrder},
		{"the preceeding thinking block is unsigned", repairThinkingOrder},
		{"thinking is disabled for this model and messages cannot contain thinking blocks", repairStripThinking},
		{"rate limit exceeded", repairNone},
		{"context length exceeded", repairNone},
	}
	for _, tt := range tests {
		if got := classify(tt.message); got != tt.want {
			t.Errorf("classify(%q) = %v, want %v", tt.message, got, tt.want)
		}
	}
}

func TestRepairParts_InjectsToolResults(t *testing.T) {
	t.Parallel()

	parts := []byte(`[
		{"type":"tool_use","id":"a","name":"read_file","input":{}},
		{"type":"tool_use","id":"b","name":"read_file","input":{}},
		{"type":"tool_result","tool_use_id":"a","content":"ok"}
	]`)

	out, err := repairParts(parts, repairOrphanTools)
	if err != nil {
		t.Fatalf("repairParts error = %v", err)
	}
	var blocks []map[string]interface{}
	if err = json.Unmarshal(out, &blocks); err != nil {
		t.Fatalf("parse repaired parts: %v", err)
	}
	if len(blocks) != 4 {
		t.Fatalf("blocks = %d, want synthetic result appended", len(blocks))
	}
	last := blocks[3]
	if last["type"] != "tool_result" || last["tool_use_id"] != "b" {
		t.Errorf("synthetic result = %v", last)
	}
	if last["content"] != "Operation cancelled or missing" {
		t.Errorf("synthetic content = %v", last["content"])
	}
}

func TestRepairParts_PrependsThinking(t *testing.T) {
	t.Parallel()

	parts := []byte(`[
		{"type":"text","text":"answer"},
		{"type":"thinking","thinking":"reasoning","signature":"sig"}
	]`)

	out, err := repairParts(parts, repairThinkingOrder)
	if err != nil {
		t.Fatalf("repairParts error = %v", err)
	}
	var blocks []map[string]interface{}
	_ = json.Unmarshal(out, &blocks)
	if blocks[0]["type"] != "thinking" {
		t.Errorf("first block = %v, want thinking moved to front", blocks[0])
	}
	if len(blocks) != 2 {
		t.Errorf("blocks = %d, reorder must not duplicate", len(blocks))
	}
}

func TestRepairParts_StripsThinking(t *testing.T) {
	t.Parallel()

	parts := []byte(`[
		{"type":"thinking","thinking":"reasoning"},
		{"type":"redacted_thinking","data":"x"},
		{"type":"text","text":"answer"}
	]`)

	out, err := repairParts(parts, repairStripThinking)
	if err != nil {
		t.Fatalf("repairParts error = %v", err)
	}
	var blocks []map[string]interface{}
	_ = json.Unmarshal(out, &blocks)
	if len(blocks) != 1 || blocks[0]["type"] != "text" {
		t.Errorf("blocks = %v, want thinking stripped", blocks)
	}
}

// fakeHost records the recovery hook's interactions.
type fakeHost struct {
	aborted  bool
	parts    []byte
	replaced []byte
	prompted string
}

func (f *fakeHost) AbortSession(context.Context, string) error { f.aborted = true; return nil }
func (f *fakeHost) MessageParts(context.Context, string, string) ([]byte, error) {
	return f.parts, nil
}
func (f *fakeHost) ReplaceMessageParts(_ context.Context, _, _ string, parts []byte) error {
	f.replaced = parts
	return nil
}
func (f *fakeHost) Prompt(_ context.Context, _, text, _, _ string) error {
	f.prompted = text
	return nil
}

func TestHandleSessionError_RepairsAndResumes(t *testing.T) {
	t.Parallel()

	host := &fakeHost{parts: []byte(`[{"type":"tool_use","id":"a","name":"t","input":{}}]`)}
	cfg := config.Default()
	hook := NewRecoveryHook(cfg, host, nil, nil)

	err := hook.HandleSessionError(context.Background(), SessionError{
		SessionID: "s1",
		MessageID: "m1",
		Message:   "`tool_use` blocks without `tool_result`",
		Agent:     "build",
		Model:     "claude-sonnet-4-5",
	})
	if err != nil {
		t.Fatalf("HandleSessionError error = %v", err)
	}
	if !host.aborted {
		t.Error("session should be aborted before repair")
	}
	if host.replaced == nil {
		t.Error("repaired parts should be written back")
	}
	if host.prompted != "continue" {
		t.Errorf("resume prompt = %q, want configured continuation", host.prompted)
	}
}

func TestHandleSessionError_UnrecoverableIgnored(t *testing.T) {
	t.Parallel()

	host := &fakeHost{}
	hook := NewRecoveryHook(config.Default(), host, nil, nil)
	err := hook.HandleSessionError(context.Background(), SessionError{Message: "rate limit exceeded"})
	if err != nil {
		t.Fatalf("unrecoverable errors should be ignored, got %v", err)
	}
	if host.aborted {
		t.Error("no abort for unrecoverable errors")
	}
}

func TestHandleSessionError_DisabledByConfig(t *testing.T) {
	t.Parallel()

	host := &fakeHost{parts: []byte(`[]`)}
	cfg := config.Default()
	cfg.SessionRecovery = false
	hook := NewRecoveryHook(cfg, host, nil, nil)
	_ = hook.HandleSessionError(context.Background(), SessionError{Message: "tool_use without tool_result"})
	if host.aborted {
		t.Error("hook disabled by config must not act")
	}
}
