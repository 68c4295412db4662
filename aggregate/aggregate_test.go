package aggregate

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/models"
)

func TestToggleReaction(t *testing.T) {
	t.Run("creates aggregate", func(t *testing.T) {
		got := ToggleReaction(nil, "👍")
		assert.Equal(t, []models.ReactionAggregate{{Emoji: "👍", Count: 1, UserReacted: true}}, got)
	})

	t.Run("increments when viewer has not reacted", func(t *testing.T) {
		in := []models.ReactionAggregate{{Emoji: "👍", Count: 2}}
		got := ToggleReaction(in, "👍")
		assert.Equal(t, []models.ReactionAggregate{{Emoji: "👍", Count: 3, UserReacted: true}}, got)
		assert.Equal(t, 2, in[0].Count, "input must not be mutated")
	})

	t.Run("decrements when viewer has reacted", func(t *testing.T) {
		in := []models.ReactionAggregate{{Emoji: "👍", Count: 3, UserReacted: true}}
		got := ToggleReaction(in, "👍")
		assert.Equal(t, []models.ReactionAggregate{{Emoji: "👍", Count: 2}}, got)
	})

	t.Run("removes aggregate reaching zero", func(t *testing.T) {
		in := []models.ReactionAggregate{
			{Emoji: Heart, Count: 1, UserReacted: true},
			{Emoji: "😂", Count: 4},
		}
		got := ToggleReaction(in, Heart)
		assert.Equal(t, []models.ReactionAggregate{{Emoji: "😂", Count: 4}}, got)
	})
}

func TestAddReactionNeverRemoves(t *testing.T) {
	in := []models.ReactionAggregate{{Emoji: Heart, Count: 1, UserReacted: true}}
	got, changed := AddReaction(in, Heart)
	assert.False(t, changed)
	assert.Equal(t, in, got)

	got, changed = AddReaction([]models.ReactionAggregate{{Emoji: Heart, Count: 2}}, Heart)
	assert.True(t, changed)
	assert.Equal(t, []models.ReactionAggregate{{Emoji: Heart, Count: 3, UserReacted: true}}, got)
}

func TestReactionsNeverHoldNonPositiveCounts(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	emojis := []string{Heart, "👍", "😂"}
	var reactions []models.ReactionAggregate
	for i := 0; i < 500; i++ {
		emoji := emojis[rng.Intn(len(emojis))]
		switch rng.Intn(3) {
		case 0:
			reactions = ToggleReaction(reactions, emoji)
		case 1:
			reactions, _ = AddReaction(reactions, emoji)
		default:
			reactions, _ = RemoveReaction(reactions, emoji)
		}
		for _, reaction := range reactions {
			require.Positive(t, reaction.Count, "step %d: %+v", i, reactions)
		}
	}
}

func TestNormalizeReactions(t *testing.T) {
	got := NormalizeReactions([]models.ReactionAggregate{
		{Emoji: "👍", Count: 1},
		{Emoji: Heart, Count: 0},
		{Emoji: "👍", Count: 2, UserReacted: true},
	})
	assert.Equal(t, []models.ReactionAggregate{{Emoji: "👍", Count: 3, UserReacted: true}}, got)
}

func testPoll() models.Poll {
	return models.Poll{
		ID:       "post-1",
		Question: "Lunch?",
		Options: []models.PollOption{
			{ID: "A", Text: "Pizza", Votes: 3},
			{ID: "B", Text: "Sushi", Votes: 5},
		},
		UserVote:   "A",
		TotalVotes: 8,
	}
}

func TestApplyVoteMovesSelection(t *testing.T) {
	got, changed := ApplyVote(testPoll(), "B")
	require.True(t, changed)
	a, _ := got.Option("A")
	b, _ := got.Option("B")
	assert.Equal(t, 2, a.Votes)
	assert.Equal(t, 6, b.Votes)
	assert.Equal(t, "B", got.UserVote)
	assert.Equal(t, 8, got.TotalVotes)
}

func TestApplyVoteIdempotentAndClear(t *testing.T) {
	got, changed := ApplyVote(testPoll(), "A")
	assert.False(t, changed)
	assert.Equal(t, 8, got.TotalVotes)

	cleared, changed := ApplyVote(testPoll(), "")
	require.True(t, changed)
	assert.Equal(t, "", cleared.UserVote)
	assert.Equal(t, 7, cleared.TotalVotes)

	_, changed = ApplyVote(testPoll(), "missing")
	assert.False(t, changed)
}

func TestApplyVoteFloorsAtZero(t *testing.T) {
	poll := testPoll()
	poll.Options[0].Votes = 0
	got, changed := ApplyVote(poll, "B")
	require.True(t, changed)
	a, _ := got.Option("A")
	assert.Equal(t, 0, a.Votes)
	assert.Equal(t, 6, got.TotalVotes)
}

func TestVoteSequencesKeepTotalConsistent(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	choices := []string{"", "A", "B"}
	poll := testPoll()
	poll.TotalVotes = 999 // a drifted total is repaired by the first recompute
	for i := 0; i < 300; i++ {
		poll, _ = ApplyVote(poll, choices[rng.Intn(len(choices))])
		sum := 0
		selected := 0
		for _, option := range poll.Options {
			sum += option.Votes
			if option.ID == poll.UserVote {
				selected++
			}
		}
		require.Equal(t, sum, poll.TotalVotes, "step %d", i)
		require.LessOrEqual(t, selected, 1)
	}
}

func msg(id string, at int) models.Message {
	return models.Message{ID: id, CreatedAt: time.Unix(int64(at), 0).UTC(), Status: models.StatusSent}
}

func ids(list []models.Message) []string {
	out := make([]string, 0, len(list))
	for _, message := range list {
		out = append(out, message.ID)
	}
	return out
}

func TestInsertSortedAndReplace(t *testing.T) {
	list := []models.Message{msg("m1", 1), msg("m3", 3)}
	list = InsertSorted(list, msg("m2", 2))
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(list))

	list = InsertSorted(list, msg("local-x", 4))
	next, ok := Replace(list, "local-x", msg("m4", 4))
	require.True(t, ok)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(next))
	assert.True(t, IsSorted(next))

	_, ok = Replace(next, "local-missing", msg("m5", 5))
	assert.False(t, ok)
}

func TestReplaceDropsProvisionalWhenAuthoritativeAlreadyPresent(t *testing.T) {
	list := []models.Message{msg("m1", 1), msg("m2", 2), msg("local-x", 3)}
	next, ok := Replace(list, "local-x", msg("m2", 2))
	require.True(t, ok)
	assert.Equal(t, []string{"m1", "m2"}, ids(next))
}

func TestPrependOlder(t *testing.T) {
	var head []models.Message
	for i := 10; i <= 20; i++ {
		head = append(head, msg(fmt.Sprintf("m%d", i), i))
	}
	var older []models.Message
	for i := 5; i <= 9; i++ {
		older = append(older, msg(fmt.Sprintf("m%d", i), i))
	}

	merged := PrependOlder(head, older)
	require.Len(t, merged, 16)
	assert.Equal(t, "m5", merged[0].ID)
	assert.Equal(t, "m20", merged[15].ID)
	assert.True(t, IsSorted(merged))

	again := PrependOlder(merged, older)
	assert.Equal(t, ids(merged), ids(again), "re-merging the same page must not duplicate")
}

func TestMergeKeepLocalNeverRegressesStatus(t *testing.T) {
	local := msg("m1", 1)
	local.Status = models.StatusRead
	remote := msg("m1", 1)
	remote.Status = models.StatusSent

	merged := Merge([]models.Message{local}, []models.Message{remote}, KeepLocal)
	require.Len(t, merged, 1)
	assert.Equal(t, models.StatusRead, merged[0].Status)
}

func TestUpdateDoesNotMutateInput(t *testing.T) {
	list := []models.Message{msg("m1", 1), msg("m2", 2)}
	next := Update(list, "m2", func(m models.Message) models.Message {
		m.Content = "edited"
		return m
	})
	assert.Equal(t, "", list[1].Content)
	assert.Equal(t, "edited", next[1].Content)
	assert.Equal(t, list, Update(list, "missing", func(m models.Message) models.Message { return m }))
}
