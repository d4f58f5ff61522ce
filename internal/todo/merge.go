// Package todo keeps the shared task list that the assistant drives through
// tool calls and the user edits by hand.
package todo

import "chatsync/internal/chat"

// MergeTodos 按 ID 合并：已存在的原位替换，新的追加到末尾
// MergeTodos upserts by id: known ids are replaced in place, unknown ids are appended
func MergeTodos(current, incoming []chat.Todo) []chat.Todo {
	out := make([]chat.Todo, len(current), len(current)+len(incoming))
	copy(out, current)

	index := make(map[string]int, len(out))
	for i, item := range out {
		index[item.ID] = i
	}
	for _, item := range incoming {
		if i, ok := index[item.ID]; ok {
			out[i] = item
			continue
		}
		index[item.ID] = len(out)
		out = append(out, item)
	}
	return out
}

// ReplaceAssistantTodos drops every assistant-owned entry of current, stamps
// incoming with sourceMessageID and returns stamped incoming followed by the
// manual entries in their original order.
func ReplaceAssistantTodos(current, incoming []chat.Todo, sourceMessageID string) []chat.Todo {
	out := make([]chat.Todo, 0, len(incoming)+len(current))
	for _, item := range incoming {
		item.SourceMessageID = chat.StringPtr(sourceMessageID)
		out = append(out, item)
	}
	for _, item := range current {
		if !item.AssistantOwned() {
			out = append(out, item)
		}
	}
	return out
}

// ShouldTreatAsMerge reports whether a payload should be merged rather than
// replace the plan: the flag must be set and at least one incoming id must
// already exist among the assistant-owned todos.
func ShouldTreatAsMerge(explicitMerge bool, incoming, currentAssistantOwned []chat.Todo) bool {
	if !explicitMerge {
		return false
	}
	known := make(map[string]struct{}, len(currentAssistantOwned))
	for _, item := range currentAssistantOwned {
		known[item.ID] = struct{}{}
	}
	for _, item := range incoming {
		if _, ok := known[item.ID]; ok {
			return true
		}
	}
	return false
}

// AssistantOwned filters the assistant-owned entries, keeping order.
func AssistantOwned(items []chat.Todo) []chat.Todo {
	var out []chat.Todo
	for _, item := range items {
		if item.AssistantOwned() {
			out = append(out, item)
		}
	}
	return out
}
