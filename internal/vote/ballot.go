package vote

import "sort"

// Outcome is the state of a ballot after a cast.
type Outcome int

const (
	Pending Outcome = iota
	Approved
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	}
	return "pending"
}

// Ballot is the relay's tally for one vote. Finalizing needs every active
// participant's yes, so the first no decides the vote.
type Ballot struct {
	ID          string
	InitiatedBy string
	Total       int

	votes   map[string]bool
	outcome Outcome
}

// NewBallot opens a vote among total participants.
func NewBallot(id, initiatedBy string, total int) *Ballot {
	return &Ballot{ID: id, InitiatedBy: initiatedBy, Total: total, votes: make(map[string]bool)}
}

// Cast records one participant's vote.
func (b *Ballot) Cast(userID string, yes bool) (Outcome, error) {
	if b.outcome != Pending {
		return b.outcome, ErrNoVote
	}
	if _, ok := b.votes[userID]; ok {
		return b.outcome, ErrAlreadyVoted
	}
	b.votes[userID] = yes
	return b.evaluate(), nil
}

// SetTotal adjusts the electorate when participants leave mid-vote.
func (b *Ballot) SetTotal(total int) Outcome {
	if b.outcome != Pending {
		return b.outcome
	}
	b.Total = total
	return b.evaluate()
}

func (b *Ballot) evaluate() Outcome {
	yes, no := b.Tally()
	switch {
	case no > 0:
		b.outcome = Rejected
	case b.Total > 0 && yes >= b.Total:
		b.outcome = Approved
	}
	return b.outcome
}

// Outcome returns the current state.
func (b *Ballot) Outcome() Outcome { return b.outcome }

// Tally counts yes and no votes.
func (b *Ballot) Tally() (yes, no int) {
	for _, v := range b.votes {
		if v {
			yes++
		} else {
			no++
		}
	}
	return yes, no
}

// Votes returns a copy of the votes cast so far.
func (b *Ballot) Votes() map[string]bool {
	out := make(map[string]bool, len(b.votes))
	for k, v := range b.votes {
		out[k] = v
	}
	return out
}

// Voters lists who has voted, sorted.
func (b *Ballot) Voters() []string {
	out := make([]string, 0, len(b.votes))
	for k := range b.votes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
