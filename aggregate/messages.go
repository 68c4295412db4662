package aggregate

import (
	"sort"

	"chatsync/models"
)

// Less orders messages by CreatedAt, breaking ties by id.
func Less(a, b models.Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// IsSorted reports whether list is ascending and free of duplicate ids.
func IsSorted(list []models.Message) bool {
	seen := make(map[string]struct{}, len(list))
	for i, message := range list {
		if _, dup := seen[message.ID]; dup {
			return false
		}
		seen[message.ID] = struct{}{}
		if i > 0 && Less(message, list[i-1]) {
			return false
		}
	}
	return true
}

// Find returns the index of id in list or -1.
func Find(list []models.Message, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

// InsertSorted adds message at its ordered position, replacing any message
// that already has the same id.
func InsertSorted(list []models.Message, message models.Message) []models.Message {
	base := list
	if idx := Find(list, message.ID); idx >= 0 {
		base = Remove(list, message.ID)
	}
	pos := sort.Search(len(base), func(i int) bool { return Less(message, base[i]) })
	out := make([]models.Message, 0, len(base)+1)
	out = append(out, base[:pos]...)
	out = append(out, message)
	out = append(out, base[pos:]...)
	return out
}

// Replace swaps the message identified by oldID for next, keeping order.
// If next.ID is already present elsewhere in the list the older copy wins
// its slot and the oldID entry is dropped. The bool is false when oldID is
// absent.
func Replace(list []models.Message, oldID string, next models.Message) ([]models.Message, bool) {
	idx := Find(list, oldID)
	if idx < 0 {
		return list, false
	}
	without := Remove(list, oldID)
	if next.ID != oldID && Find(without, next.ID) >= 0 {
		return Update(without, next.ID, func(models.Message) models.Message { return next }), true
	}
	return InsertSorted(without, next), true
}

// Remove drops the message with id. The input is returned unchanged when
// id is absent.
func Remove(list []models.Message, id string) []models.Message {
	idx := Find(list, id)
	if idx < 0 {
		return list
	}
	out := make([]models.Message, 0, len(list)-1)
	out = append(out, list[:idx]...)
	out = append(out, list[idx+1:]...)
	return out
}

// Update applies fn to the message with id. CreatedAt changes re-sort the
// entry. The input is returned unchanged when id is absent.
func Update(list []models.Message, id string, fn func(models.Message) models.Message) []models.Message {
	idx := Find(list, id)
	if idx < 0 {
		return list
	}
	next := fn(list[idx].Clone())
	if !next.CreatedAt.Equal(list[idx].CreatedAt) || next.ID != id {
		return InsertSorted(Remove(list, id), next)
	}
	out := make([]models.Message, len(list))
	copy(out, list)
	out[idx] = next
	return out
}

// Merge unions two lists by id and returns them in ascending order. On an id
// collision the entry from incoming wins unless keep says otherwise.
func Merge(current, incoming []models.Message, keep func(current, incoming models.Message) models.Message) []models.Message {
	byID := make(map[string]models.Message, len(current)+len(incoming))
	for _, message := range current {
		byID[message.ID] = message
	}
	for _, message := range incoming {
		if existing, ok := byID[message.ID]; ok && keep != nil {
			byID[message.ID] = keep(existing, message)
			continue
		}
		byID[message.ID] = message
	}

	out := make([]models.Message, 0, len(byID))
	for _, message := range byID {
		out = append(out, message)
	}
	sort.Slice(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

// PrependOlder merges an older page in front of list. When the page is
// ordered and strictly older than the current head it is prepended as-is;
// otherwise the lists are merged by id.
func PrependOlder(list, page []models.Message) []models.Message {
	if len(page) == 0 {
		return list
	}
	if len(list) == 0 {
		return Merge(nil, page, nil)
	}
	if IsSorted(page) && Less(page[len(page)-1], list[0]) {
		out := make([]models.Message, 0, len(page)+len(list))
		out = append(out, page...)
		out = append(out, list...)
		return out
	}
	return Merge(list, page, KeepLocal)
}

// KeepLocal prefers the in-memory copy but never lets status move backwards.
func KeepLocal(current, incoming models.Message) models.Message {
	current.Status = models.MaxStatus(current.Status, incoming.Status)
	return current
}
