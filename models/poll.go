package models

// PollOption is one selectable answer.
type PollOption struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Votes int    `json:"votes"`
}

// Poll is a single-select poll. TotalVotes is always derived from Options.
type Poll struct {
	ID         string       `json:"id"`
	Question   string       `json:"question"`
	Options    []PollOption `json:"options"`
	UserVote   string       `json:"user_vote,omitempty"`
	TotalVotes int          `json:"total_votes"`
}

// Clone returns a deep copy.
func (p Poll) Clone() Poll {
	out := p
	out.Options = append([]PollOption(nil), p.Options...)
	return out
}

// Option returns the option with id, if present.
func (p Poll) Option(id string) (PollOption, bool) {
	for _, option := range p.Options {
		if option.ID == id {
			return option, true
		}
	}
	return PollOption{}, false
}
