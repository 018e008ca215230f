// Package repair fixes pathological conversation state before it reaches the
// upstream: missing tool-call ids, orphaned tool responses, unsigned
// thinking blocks, and tool loops that lost their thinking entirely.
package repair

import (
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// placeholderToolResult closes calls that never received a response so the
// conversation still parses upstream.
const placeholderToolResult = "Operation cancelled or missing"

// PairToolIDs repairs functionCall/functionResponse id pairing in a wrapped
// request body (request.contents). Two passes assign missing ids FIFO per
// function name; the orphan-recovery passes then match leftovers by id, by
// name, positionally, and finally synthesize placeholder responses for calls
// that still have nothing.
func PairToolIDs(body []byte) []byte {
	contentsNode := gjson.GetBytes(body, "request.contents")
	if !contentsNode.IsArray() {
		return body
	}
	if !strings.Contains(contentsNode.Raw, `"functionCall"`) && !strings.Contains(contentsNode.Raw, `"functionResponse"`) {
		return body
	}
	contents := decodeContents(contentsNode.Raw)
	if contents == nil {
		return body
	}

	assignMissingIDs(contents)
	calls, responses := collectToolParts(contents)
	matched := matchByID(calls, responses)
	matchByName(calls, responses, matched)
	matchPositional(calls, responses, matched)
	contents = synthesizeMissingResponses(contents, calls, matched)

	return writeContents(body, contents)
}

type toolPart struct {
	part map[string]interface{}
	id   string
	name string
}

// assignMissingIDs is the two-pass FIFO repair: synthetic ids for calls,
// then responses pop ids off their function-name queue.
func assignMissingIDs(contents []map[string]interface{}) {
	counter := 0
	queues := make(map[string][]string)

	forEachPart(contents, func(part map[string]interface{}) {
		call, ok := part["functionCall"].(map[string]interface{})
		if !ok {
			return
		}
		id, _ := call["id"].(string)
		if id == "" {
			id = fmt.Sprintf("tool-call-%d", counter)
			counter++
			call["id"] = id
		}
		name, _ := call["name"].(string)
		queues[name] = append(queues[name], id)
	})

	forEachPart(contents, func(part map[string]interface{}) {
		response, ok := part["functionResponse"].(map[string]interface{})
		if !ok {
			return
		}
		if id, _ := response["id"].(string); id != "" {
			return
		}
		name, _ := response["name"].(string)
		queue := queues[name]
		if len(queue) == 0 {
			return
		}
		response["id"] = queue[0]
		queues[name] = queue[1:]
	})
}

func collectToolParts(contents []map[string]interface{}) (calls, responses []toolPart) {
	forEachPart(contents, func(part map[string]interface{}) {
		if call, ok := part["functionCall"].(map[string]interface{}); ok {
			id, _ := call["id"].(string)
			name, _ := call["name"].(string)
			calls = append(calls, toolPart{part: call, id: id, name: name})
		}
		if response, ok := part["functionResponse"].(map[string]interface{}); ok {
			id, _ := response["id"].(string)
			name, _ := response["name"].(string)
			responses = append(responses, toolPart{part: response, id: id, name: name})
		}
	})
	return calls, responses
}

// matchByID pairs responses with calls sharing an exact id.
func matchByID(calls, responses []toolPart) map[string]bool {
	matched := make(map[string]bool)
	ids := make(map[string]bool, len(calls))
	for _, call := range calls {
		ids[call.id] = true
	}
	for i := range responses {
		if responses[i].id != "" && ids[responses[i].id] {
			matched[responses[i].id] = true
		}
	}
	return matched
}

// matchByName re-homes responses whose id drifted onto an unmatched call
// with the same function name.
func matchByName(calls, responses []toolPart, matched map[string]bool) {
	callIDs := make(map[string]bool, len(calls))
	for _, call := range calls {
		callIDs[call.id] = true
	}
	for i := range responses {
		resp := &responses[i]
		if resp.id != "" && callIDs[resp.id] {
			continue
		}
		for _, call := range calls {
			if matched[call.id] || call.name != resp.name {
				continue
			}
			resp.part["id"] = call.id
			resp.id = call.id
			matched[call.id] = true
			break
		}
	}
}

// matchPositional hands any remaining orphan response to any remaining
// unmatched call, in order.
func matchPositional(calls, responses []toolPart, matched map[string]bool) {
	callIDs := make(map[string]bool, len(calls))
	for _, call := range calls {
		callIDs[call.id] = true
	}
	for i := range responses {
		resp := &responses[i]
		if resp.id != "" && callIDs[resp.id] {
			continue
		}
		for _, call := range calls {
			if matched[call.id] {
				continue
			}
			resp.part["id"] = call.id
			resp.id = call.id
			matched[call.id] = true
			break
		}
	}
}

// synthesizeMissingResponses appends placeholder responses for calls that
// never got one, into the trailing user content (creating one if needed).
func synthesizeMissingResponses(contents []map[string]interface{}, calls []toolPart, matched map[string]bool) []map[string]interface{} {
	pending := make([]toolPart, 0)
	for _, call := range calls {
		if !matched[call.id] {
			pending = append(pending, call)
		}
	}
	if len(pending) == 0 {
		return contents
	}
	log.Debugf("repair: synthesizing %d placeholder tool responses", len(pending))

	target := lastResponseContent(contents)
	if target == nil {
		target = map[string]interface{}{"role": "user", "parts": []interface{}{}}
		contents = append(contents, target)
	}
	parts, _ := target["parts"].([]interface{})
	for _, call := range pending {
		parts = append(parts, map[string]interface{}{
			"functionResponse": map[string]interface{}{
				"id":       call.id,
				"name":     call.name,
				"response": map[string]interface{}{"result": placeholderToolResult},
			},
		})
	}
	target["parts"] = parts
	return contents
}

func lastResponseContent(contents []map[string]interface{}) map[string]interface{} {
	for i := len(contents) - 1; i >= 0; i-- {
		parts, _ := contents[i]["parts"].([]interface{})
		for _, raw := range parts {
			part, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			if _, isResponse := part["functionResponse"]; isResponse {
				return contents[i]
			}
		}
	}
	return nil
}

func forEachPart(contents []map[string]interface{}, fn func(part map[string]interface{})) {
	for _, content := range contents {
		parts, _ := content["parts"].([]interface{})
		for _, raw := range parts {
			if part, ok := raw.(map[string]interface{}); ok {
				fn(part)
			}
		}
	}
}

func decodeContents(raw string) []map[string]interface{} {
	var generic []interface{}
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(generic))
	for _, item := range generic {
		content, ok := item.(map[string]interface{})
		if !ok {
			return nil
		}
		out = append(out, content)
	}
	return out
}

func writeContents(body []byte, contents []map[string]interface{}) []byte {
	raw, err := json.Marshal(contents)
	if err != nil {
		return body
	}
	updated, err := sjson.SetRawBytes(body, "request.contents", raw)
	if err != nil {
		return body
	}
	return updated
}
