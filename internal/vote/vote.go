// Package vote runs the vote-to-finalize protocol. Any participant may
// propose ending the session; when everyone agrees, the proposer performs
// the authoritative save and the session ends exactly once.
package vote

import (
	"errors"
	"log/slog"
	"time"

	"storysync/internal/clock"
	"storysync/internal/wire"
)

var (
	ErrVoteActive   = errors.New("vote: a vote is already in progress")
	ErrNoVote       = errors.New("vote: no vote in progress")
	ErrAlreadyVoted = errors.New("vote: already voted")
	ErrNotFinalizer = errors.New("vote: only the vote initiator can finalize")
)

// Phase is the local view of the vote.
type Phase int

const (
	None Phase = iota
	Open
	// Finalizing: approved and this user initiated it, so this user saves.
	Finalizing
	// Waiting: approved and another user is saving.
	Waiting
)

func (p Phase) String() string {
	switch p {
	case Open:
		return "open"
	case Finalizing:
		return "finalizing"
	case Waiting:
		return "waiting"
	}
	return "none"
}

// Tally is the running count shown while a vote is open.
type Tally struct {
	VoteID      string
	InitiatedBy string
	Total       int
	Yes         int
	No          int
	Votes       map[string]bool
	Mine        *bool
}

// Hooks notify the UI of protocol steps.
type Hooks struct {
	// NeedDetails asks the initiator for the metadata the save needs.
	NeedDetails func(voteID string)
	// Resume returns everyone to normal editing.
	Resume func(reason string)
	// Expired runs when a safety timer forces cleanup.
	Expired func(phase Phase)
}

// Config wires a Protocol.
type Config struct {
	Self   string
	Send   wire.Sender
	Clock  clock.Clock
	Logger *slog.Logger
	Hooks  Hooks

	// FinalizeTimeout bounds the initiator's wait for session_ended.
	// Default 10s.
	FinalizeTimeout time.Duration
	// WaitTimeout bounds everyone else's wait. Default 15s.
	WaitTimeout time.Duration
}

// Protocol is the client side of the vote. It is not safe for concurrent
// use.
type Protocol struct {
	cfg Config
	log *slog.Logger

	phase   Phase
	tally   Tally
	storyID string
	safety  clock.Timer
}

// New returns a protocol with no vote open.
func New(cfg Config) *Protocol {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 10 * time.Second
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 15 * time.Second
	}
	return &Protocol{cfg: cfg, log: cfg.Logger.With("component", "vote")}
}

func (p *Protocol) Phase() Phase { return p.phase }

// StoryID is the id of the saved story once story_finalized arrives.
func (p *Protocol) StoryID() string { return p.storyID }

// Tally returns a copy of the running count.
func (p *Protocol) Tally() Tally {
	t := p.tally
	t.Votes = make(map[string]bool, len(p.tally.Votes))
	for k, v := range p.tally.Votes {
		t.Votes[k] = v
	}
	return t
}

// Initiate proposes finalizing the story.
func (p *Protocol) Initiate() error {
	if p.phase != None {
		return ErrVoteActive
	}
	return p.send(wire.Message{Type: wire.TypeInitiateVote})
}

// OnInitiated opens a vote. The initiator votes yes on seeing their own
// proposal echoed.
func (p *Protocol) OnInitiated(m wire.Message) {
	if p.phase == Finalizing || p.phase == Waiting {
		p.log.Warn("vote_initiated while finalizing", "vote_id", m.VoteID)
		return
	}
	p.phase = Open
	p.tally = Tally{
		VoteID:      m.VoteID,
		InitiatedBy: m.InitiatedBy,
		Total:       m.TotalParticipants,
		Votes:       make(map[string]bool),
	}
	if m.InitiatedBy == p.cfg.Self {
		if err := p.Cast(true); err != nil {
			p.log.Warn("initiator auto-vote failed", "vote_id", m.VoteID, "error", err)
		}
	}
}

// Cast votes once on the open vote.
func (p *Protocol) Cast(yes bool) error {
	if p.phase != Open {
		return ErrNoVote
	}
	if p.tally.Mine != nil {
		return ErrAlreadyVoted
	}
	msg := wire.Message{Type: wire.TypeVoteSave, VoteID: p.tally.VoteID, Vote: wire.Bool(yes)}
	p.tally.Mine = wire.Bool(yes)
	p.tally.Votes[p.cfg.Self] = yes
	if err := p.send(msg); err != nil {
		if p.phase == Open {
			p.tally.Mine = nil
			delete(p.tally.Votes, p.cfg.Self)
		}
		return err
	}
	return nil
}

// OnUpdate refreshes the running count.
func (p *Protocol) OnUpdate(m wire.Message) {
	if p.phase != Open || (m.VoteID != "" && m.VoteID != p.tally.VoteID) {
		return
	}
	if m.Votes != nil {
		p.tally.Votes = m.Votes
		if mine, ok := m.Votes[p.cfg.Self]; ok {
			p.tally.Mine = wire.Bool(mine)
		}
	}
	p.tally.Yes, p.tally.No = m.YesVotes, m.NoVotes
	if m.TotalParticipants > 0 {
		p.tally.Total = m.TotalParticipants
	}
}

// OnResult closes the vote. On approval the initiator is asked for save
// details and everyone else waits; both waits are bounded.
func (p *Protocol) OnResult(m wire.Message) {
	if p.phase != Open {
		return
	}
	if m.Approved == nil || !*m.Approved {
		p.log.Info("vote rejected", "vote_id", p.tally.VoteID, "yes", m.YesVotes, "no", m.NoVotes)
		p.reset()
		p.resume("Not everyone agreed. Continue editing!")
		return
	}
	initiator := p.tally.InitiatedBy
	if m.InitiatedBy != "" {
		initiator = m.InitiatedBy
	}
	if initiator == p.cfg.Self {
		p.phase = Finalizing
		p.arm(p.cfg.FinalizeTimeout)
		if p.cfg.Hooks.NeedDetails != nil {
			p.cfg.Hooks.NeedDetails(p.tally.VoteID)
		}
		return
	}
	p.phase = Waiting
	p.arm(p.cfg.WaitTimeout)
}

// Finalize sends the save request with the collected details.
func (p *Protocol) Finalize(genres []string, category string) error {
	if p.phase != Finalizing {
		return ErrNotFinalizer
	}
	return p.send(wire.Message{
		Type:     wire.TypeFinalizeStory,
		VoteID:   p.tally.VoteID,
		Genres:   genres,
		Category: category,
	})
}

// CancelFinalize abandons the save after approval and releases everyone.
func (p *Protocol) CancelFinalize() error {
	if p.phase != Finalizing {
		return ErrNotFinalizer
	}
	err := p.send(wire.Message{Type: wire.TypeSaveCancelled, VoteID: p.tally.VoteID})
	p.reset()
	p.resume("Save cancelled.")
	return err
}

// OnSaveCancelled releases a waiting participant.
func (p *Protocol) OnSaveCancelled(m wire.Message) {
	if m.UserID == p.cfg.Self || p.phase != Waiting {
		return
	}
	p.reset()
	p.resume("The save was cancelled. Continue editing!")
}

// OnStoryFinalized records the saved story; session_ended follows.
func (p *Protocol) OnStoryFinalized(m wire.Message) {
	p.storyID = m.StoryID
}

// OnSessionEnded clears all vote state.
func (p *Protocol) OnSessionEnded() { p.reset() }

func (p *Protocol) arm(d time.Duration) {
	if p.safety != nil {
		p.safety.Stop()
	}
	phase := p.phase
	p.safety = p.cfg.Clock.AfterFunc(d, func() {
		p.safety = nil
		p.log.Warn("vote resolution timed out", "vote_id", p.tally.VoteID, "phase", phase.String())
		p.reset()
		if p.cfg.Hooks.Expired != nil {
			p.cfg.Hooks.Expired(phase)
		}
	})
}

func (p *Protocol) reset() {
	if p.safety != nil {
		p.safety.Stop()
		p.safety = nil
	}
	p.phase = None
	p.tally = Tally{}
}

func (p *Protocol) resume(reason string) {
	if p.cfg.Hooks.Resume != nil {
		p.cfg.Hooks.Resume(reason)
	}
}

func (p *Protocol) send(m wire.Message) error {
	if p.cfg.Send == nil {
		return nil
	}
	m.UserID = p.cfg.Self
	return p.cfg.Send.Send(m)
}
