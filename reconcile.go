package chatsync

import "sort"

// Reconcile merges incoming into the canonical list existing.
//
// The result is the union of both lists keyed by message ID, sorted by
// timestamp ascending (ties broken by ID). When an ID is present in both,
// the existing copy is kept: an echo of a message never overwrites a local
// edit. changed is true only when the resulting ID sequence differs from
// existing; otherwise existing is returned as is and nothing should be
// published.
func Reconcile(existing, incoming []Message) ([]Message, bool) {
	if len(incoming) == 0 {
		return existing, false
	}

	seen := make(map[string]struct{}, len(existing)+len(incoming))
	next := make([]Message, 0, len(existing)+len(incoming))
	for _, m := range existing {
		seen[m.ID] = struct{}{}
		next = append(next, m)
	}
	for _, m := range incoming {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		next = append(next, m)
	}

	sortMessages(next)
	if sameIDs(existing, next) {
		return existing, false
	}
	return next, true
}

// mergeDirect combines the two halves of a direct conversation page into one
// ascending list.
func mergeDirect(own, theirs []Message) []Message {
	merged := make([]Message, 0, len(own)+len(theirs))
	merged = append(merged, own...)
	merged = append(merged, theirs...)
	sortMessages(merged)
	return merged
}

// applyEdit returns a copy of list with the text of id replaced.
func applyEdit(list []Message, id, text string) ([]Message, bool) {
	i := indexOf(list, id)
	if i < 0 {
		return list, false
	}
	next := make([]Message, len(list))
	copy(next, list)
	next[i].Text = text
	return next, true
}

// applyDelete returns a copy of list without id.
func applyDelete(list []Message, id string) ([]Message, bool) {
	i := indexOf(list, id)
	if i < 0 {
		return list, false
	}
	next := make([]Message, 0, len(list)-1)
	next = append(next, list[:i]...)
	next = append(next, list[i+1:]...)
	return next, true
}

func indexOf(list []Message, id string) int {
	for i, m := range list {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func sortMessages(list []Message) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].before(list[j]) })
}

func sameIDs(a, b []Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}
