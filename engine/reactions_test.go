package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/aggregate"
	"chatsync/models"
	"chatsync/notify"
)

func reacted(message models.Message, reactions ...models.ReactionAggregate) models.Message {
	message.Reactions = reactions
	return message
}

func TestToggleRemovesLastHeartEntirely(t *testing.T) {
	h := newHarness(t)
	h.seed(t, reacted(historyMessage(1), models.ReactionAggregate{Emoji: aggregate.Heart, Count: 1, UserReacted: true}))

	reactions, err := h.engine.ToggleReaction(context.Background(), "c1", "m1", aggregate.Heart)
	require.NoError(t, err)
	assert.Empty(t, reactions)

	stored, ok := h.engine.Message("c1", "m1")
	require.True(t, ok)
	assert.Nil(t, stored.Reactions)
	assert.Equal(t, []reactCall{{messageID: "m1", emoji: aggregate.Heart, reacted: false}}, h.store.reactCalls())

	h.engine.Stop()
	assert.Empty(t, h.notifier.all(), "removing a reaction never notifies")
}

func TestToggleAddNotifiesAuthor(t *testing.T) {
	h := newHarness(t)
	h.seed(t, reacted(historyMessage(1), models.ReactionAggregate{Emoji: "👍", Count: 2}))

	reactions, err := h.engine.ToggleReaction(context.Background(), "c1", "m1", "👍")
	require.NoError(t, err)
	assert.Equal(t, []models.ReactionAggregate{{Emoji: "👍", Count: 3, UserReacted: true}}, reactions)

	h.engine.Stop()
	events := h.notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, notify.TypeReaction, events[0].Type)
	assert.Equal(t, testFriend.ID, events[0].Recipient)
	assert.Equal(t, "m1", events[0].Target)
	assert.Equal(t, "👍", events[0].Metadata["emoji"])
}

func TestReactingToOwnMessageDoesNotNotify(t *testing.T) {
	h := newHarness(t)
	own := historyMessage(1)
	own.Author = testViewer
	h.seed(t, own)

	_, err := h.engine.ToggleReaction(context.Background(), "c1", "m1", "🔥")
	require.NoError(t, err)

	h.engine.Stop()
	assert.Empty(t, h.notifier.all())
}

func TestToggleRollsBackOnFailure(t *testing.T) {
	h := newHarness(t)
	h.seed(t, reacted(historyMessage(1), models.ReactionAggregate{Emoji: "😂", Count: 1}))
	h.store.reactErr = errors.New("offline")

	reactions, err := h.engine.ToggleReaction(context.Background(), "c1", "m1", "😂")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, []models.ReactionAggregate{{Emoji: "😂", Count: 1}}, reactions)

	stored, ok := h.engine.Message("c1", "m1")
	require.True(t, ok)
	assert.Equal(t, []models.ReactionAggregate{{Emoji: "😂", Count: 1}}, stored.Reactions)
}

func TestDoubleTapOnlyAdds(t *testing.T) {
	h := newHarness(t)
	h.seed(t,
		reacted(historyMessage(1), models.ReactionAggregate{Emoji: aggregate.Heart, Count: 4, UserReacted: true}),
		historyMessage(2),
	)
	ctx := context.Background()

	reactions, err := h.engine.DoubleTapReaction(ctx, "c1", "m1")
	require.NoError(t, err)
	assert.Equal(t, []models.ReactionAggregate{{Emoji: aggregate.Heart, Count: 4, UserReacted: true}}, reactions)
	assert.Empty(t, h.store.reactCalls(), "double tap on an existing heart makes no store call")

	reactions, err = h.engine.DoubleTapReaction(ctx, "c1", "m2")
	require.NoError(t, err)
	assert.Equal(t, []models.ReactionAggregate{{Emoji: aggregate.Heart, Count: 1, UserReacted: true}}, reactions)

	reactions, err = h.engine.DoubleTapReaction(ctx, "c1", "m2")
	require.NoError(t, err)
	assert.Equal(t, 1, reactions[0].Count)
	assert.Len(t, h.store.reactCalls(), 1)
}

func TestReactionCountsNeverGoNonPositive(t *testing.T) {
	h := newHarness(t)
	h.seed(t, reacted(historyMessage(1),
		models.ReactionAggregate{Emoji: "👍", Count: 0},
		models.ReactionAggregate{Emoji: "🎉", Count: -2},
		models.ReactionAggregate{Emoji: "😮", Count: 1, UserReacted: true},
	))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		for _, emoji := range []string{"👍", "🎉", "😮", aggregate.Heart} {
			_, err := h.engine.ToggleReaction(ctx, "c1", "m1", emoji)
			require.NoError(t, err)
			stored, _ := h.engine.Message("c1", "m1")
			for _, reaction := range stored.Reactions {
				assert.Greater(t, reaction.Count, 0)
			}
		}
	}
}

func TestReactionValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.ToggleReaction(ctx, "c1", "m1", "")
	assert.Equal(t, CodeValidation, CodeOf(err))

	_, err = h.engine.ToggleReaction(ctx, "c1", models.NewProvisionalID(), "👍")
	assert.Equal(t, CodeValidation, CodeOf(err))
}
