// Package aggregate derives reaction, poll and message-list state from its
// constituent parts. Every function returns a new value and leaves its inputs
// untouched, so callers can publish the result as a fresh snapshot.
package aggregate

import "chatsync/models"

// Heart is the emoji added by the double-tap gesture.
const Heart = "❤️"

// ToggleReaction flips the viewer's reaction for emoji. Removing the last
// reaction drops the aggregate entirely.
func ToggleReaction(reactions []models.ReactionAggregate, emoji string) []models.ReactionAggregate {
	idx := indexOfEmoji(reactions, emoji)
	if idx < 0 {
		out := cloneReactions(reactions, 1)
		return append(out, models.ReactionAggregate{Emoji: emoji, Count: 1, UserReacted: true})
	}

	current := reactions[idx]
	if current.UserReacted {
		return withCount(reactions, idx, current.Count-1, false)
	}
	return withCount(reactions, idx, current.Count+1, true)
}

// AddReaction adds the viewer's reaction for emoji unless it is already
// present. The bool reports whether anything changed.
func AddReaction(reactions []models.ReactionAggregate, emoji string) ([]models.ReactionAggregate, bool) {
	idx := indexOfEmoji(reactions, emoji)
	if idx >= 0 && reactions[idx].UserReacted {
		return reactions, false
	}
	return ToggleReaction(reactions, emoji), true
}

// RemoveReaction withdraws the viewer's reaction for emoji if present.
func RemoveReaction(reactions []models.ReactionAggregate, emoji string) ([]models.ReactionAggregate, bool) {
	idx := indexOfEmoji(reactions, emoji)
	if idx < 0 || !reactions[idx].UserReacted {
		return reactions, false
	}
	return ToggleReaction(reactions, emoji), true
}

// ViewerReacted reports whether the viewer currently reacts with emoji.
func ViewerReacted(reactions []models.ReactionAggregate, emoji string) bool {
	idx := indexOfEmoji(reactions, emoji)
	return idx >= 0 && reactions[idx].UserReacted
}

// NormalizeReactions drops non-positive aggregates and merges duplicates,
// keeping first-seen order.
func NormalizeReactions(reactions []models.ReactionAggregate) []models.ReactionAggregate {
	if len(reactions) == 0 {
		return nil
	}
	out := make([]models.ReactionAggregate, 0, len(reactions))
	positions := make(map[string]int, len(reactions))
	for _, reaction := range reactions {
		if reaction.Count <= 0 {
			continue
		}
		if pos, ok := positions[reaction.Emoji]; ok {
			out[pos].Count += reaction.Count
			out[pos].UserReacted = out[pos].UserReacted || reaction.UserReacted
			continue
		}
		positions[reaction.Emoji] = len(out)
		out = append(out, reaction)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func withCount(reactions []models.ReactionAggregate, idx, count int, userReacted bool) []models.ReactionAggregate {
	if count <= 0 {
		out := make([]models.ReactionAggregate, 0, len(reactions)-1)
		out = append(out, reactions[:idx]...)
		out = append(out, reactions[idx+1:]...)
		if len(out) == 0 {
			return nil
		}
		return out
	}
	out := cloneReactions(reactions, 0)
	out[idx].Count = count
	out[idx].UserReacted = userReacted
	return out
}

func indexOfEmoji(reactions []models.ReactionAggregate, emoji string) int {
	for i, reaction := range reactions {
		if reaction.Emoji == emoji {
			return i
		}
	}
	return -1
}

func cloneReactions(reactions []models.ReactionAggregate, extra int) []models.ReactionAggregate {
	out := make([]models.ReactionAggregate, len(reactions), len(reactions)+extra)
	copy(out, reactions)
	return out
}
