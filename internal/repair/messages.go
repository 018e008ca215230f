package repair

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// PairClaudeMessages repairs tool_use/tool_result pairing for bodies still
// in Claude messages format. Missing tool_use ids get synthetic values and
// dangling tool_result blocks adopt unmatched tool_use ids FIFO. If the
// conversation still violates basic pairing invariants afterwards, the
// nuclear pass drops every orphan tool block.
func PairClaudeMessages(body []byte) []byte {
	messagesNode := gjson.GetBytes(body, "messages")
	if !messagesNode.IsArray() {
		return body
	}
	var messages []map[string]interface{}
	if err := json.Unmarshal([]byte(messagesNode.Raw), &messages); err != nil {
		return body
	}

	counter := 0
	unresolved := make([]string, 0)
	useIDs := make(map[string]bool)

	forEachBlock(messages, func(block map[string]interface{}) {
		if block["type"] != "tool_use" {
			return
		}
		id, _ := block["id"].(string)
		if id == "" {
			id = fmt.Sprintf("tool-call-%d", counter)
			counter++
			block["id"] = id
		}
		useIDs[id] = true
		unresolved = append(unresolved, id)
	})

	forEachBlock(messages, func(block map[string]interface{}) {
		if block["type"] != "tool_result" {
			return
		}
		id, _ := block["tool_use_id"].(string)
		if id != "" && useIDs[id] {
			unresolved = removeID(unresolved, id)
			return
		}
		if len(unresolved) > 0 {
			block["tool_use_id"] = unresolved[0]
			unresolved = unresolved[1:]
		}
	})

	if !messagesPairingValid(messages) {
		log.Debug("repair: claude messages still unpaired, dropping orphan tool blocks")
		messages = dropOrphanToolBlocks(messages)
	}

	raw, err := json.Marshal(messages)
	if err != nil {
		return body
	}
	updated, err := sjson.SetRawBytes(body, "messages", raw)
	if err != nil {
		return body
	}
	return updated
}

// messagesPairingValid checks the minimal invariants: every tool_result
// names an existing tool_use id and every tool_use has exactly one result.
func messagesPairingValid(messages []map[string]interface{}) bool {
	uses := make(map[string]int)
	forEachBlock(messages, func(block map[string]interface{}) {
		if block["type"] == "tool_use" {
			if id, _ := block["id"].(string); id != "" {
				uses[id] = 0
			}
		}
	})
	valid := true
	forEachBlock(messages, func(block map[string]interface{}) {
		if block["type"] != "tool_result" {
			return
		}
		id, _ := block["tool_use_id"].(string)
		count, known := uses[id]
		if !known || count > 0 {
			valid = false
			return
		}
		uses[id] = count + 1
	})
	if !valid {
		return false
	}
	for _, count := range uses {
		if count != 1 {
			return false
		}
	}
	return true
}

// dropOrphanToolBlocks removes tool_use blocks without a result and
// tool_result blocks without a matching use. Messages left with no blocks
// are dropped entirely.
func dropOrphanToolBlocks(messages []map[string]interface{}) []map[string]interface{} {
	resultIDs := make(map[string]bool)
	useIDs := make(map[string]bool)
	forEachBlock(messages, func(block map[string]interface{}) {
		switch block["type"] {
		case "tool_use":
			if id, _ := block["id"].(string); id != "" {
				useIDs[id] = true
			}
		case "tool_result":
			if id, _ := block["tool_use_id"].(string); id != "" {
				resultIDs[id] = true
			}
		}
	})

	seenResults := make(map[string]bool)
	out := make([]map[string]interface{}, 0, len(messages))
	for _, message := range messages {
		blocks, ok := message["content"].([]interface{})
		if !ok {
			out = append(out, message)
			continue
		}
		kept := make([]interface{}, 0, len(blocks))
		for _, raw := range blocks {
			block, okBlock := raw.(map[string]interface{})
			if !okBlock {
				kept = append(kept, raw)
				continue
			}
			switch block["type"] {
			case "tool_use":
				id, _ := block["id"].(string)
				if !resultIDs[id] {
					continue
				}
			case "tool_result":
				id, _ := block["tool_use_id"].(string)
				if !useIDs[id] || seenResults[id] {
					continue
				}
				seenResults[id] = true
			}
			kept = append(kept, block)
		}
		if len(kept) == 0 {
			continue
		}
		message["content"] = kept
		out = append(out, message)
	}
	return out
}

func forEachBlock(messages []map[string]interface{}, fn func(block map[string]interface{})) {
	for _, message := range messages {
		blocks, ok := message["content"].([]interface{})
		if !ok {
			continue
		}
		for _, raw := range blocks {
			if block, okBlock := raw.(map[string]interface{}); okBlock {
				fn(block)
			}
		}
	}
}

func removeID(ids []string, id string) []string {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
