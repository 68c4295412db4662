package aggregate

import "chatsync/models"

// RecomputeTotal sets TotalVotes to the sum of option votes.
func RecomputeTotal(poll models.Poll) models.Poll {
	out := poll.Clone()
	total := 0
	for _, option := range out.Options {
		total += option.Votes
	}
	out.TotalVotes = total
	return out
}

// ApplyVote moves the viewer's single vote to optionID. An empty optionID
// clears the vote. The bool is false when nothing changed: the option is
// already selected, there is nothing to clear, or optionID is unknown.
func ApplyVote(poll models.Poll, optionID string) (models.Poll, bool) {
	if optionID == poll.UserVote {
		return RecomputeTotal(poll), false
	}
	if optionID != "" {
		if _, ok := poll.Option(optionID); !ok {
			return RecomputeTotal(poll), false
		}
	}

	out := poll.Clone()
	for i := range out.Options {
		switch out.Options[i].ID {
		case poll.UserVote:
			if out.Options[i].Votes > 0 {
				out.Options[i].Votes--
			}
		case optionID:
			out.Options[i].Votes++
		}
	}
	out.UserVote = optionID
	return RecomputeTotal(out), true
}

// NormalizePoll clamps negative option counts, drops a UserVote that names
// no option and recomputes the total.
func NormalizePoll(poll models.Poll) models.Poll {
	out := poll.Clone()
	for i := range out.Options {
		if out.Options[i].Votes < 0 {
			out.Options[i].Votes = 0
		}
	}
	if out.UserVote != "" {
		if _, ok := out.Option(out.UserVote); !ok {
			out.UserVote = ""
		}
	}
	return RecomputeTotal(out)
}
