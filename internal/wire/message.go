// Package wire defines the JSON frames exchanged between collaborators and the
// relay. Every frame is a single object with a mandatory "type" discriminator.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types delivered to the UI layer and between peers.
const (
	TypeInit                = "init"
	TypeTitleEdit           = "title_edit"
	TypeTextEdit            = "text_edit"
	TypePageChange          = "page_change"
	TypePageAdded           = "page_added"
	TypePageDeleted         = "page_deleted"
	TypePresenceUpdate      = "presence_update"
	TypeCursor              = "cursor"
	TypeDraw                = "draw"
	TypeClear               = "clear"
	TypeVoteInitiated       = "vote_initiated"
	TypeVoteUpdate          = "vote_update"
	TypeVoteResult          = "vote_result"
	TypeStoryFinalized      = "story_finalized"
	TypeSaveCancelled       = "save_cancelled"
	TypeUserJoined          = "user_joined"
	TypeUserLeft            = "user_left"
	TypeUserKicked          = "user_kicked"
	TypeSessionStarted      = "session_started"
	TypeSessionEnded        = "session_ended"
	TypeReconnectionFailed  = "reconnection_failed"
	TypePageViewersResponse = "page_viewers_response"
	TypeError               = "error"
)

// Intents sent by a collaborator to the relay.
const (
	TypeAddPage            = "add_page"
	TypeDeletePage         = "delete_page"
	TypeRequestPageViewers = "request_page_viewers"
	TypeGetPageViewers     = "get_page_viewers"
	TypeInitiateVote       = "initiate_vote"
	TypeVoteSave           = "vote_save"
	TypeFinalizeStory      = "finalize_collaborative_story"
	TypeKickUser           = "kick_user"
	TypeCanvasSnapshot     = "canvas_snapshot"
	TypeStartSession       = "start_session"
	TypeEndSession         = "end_session"
)

// CoverPageKey is the reserved page key for the cover image canvas.
const CoverPageKey = "cover"

// ErrMissingType is returned when a frame has no type discriminator.
var ErrMissingType = errors.New("wire: frame has no type")

// Message is the single envelope for every frame. Fields that do not apply to
// a given type are left zero and omitted from the encoding.
type Message struct {
	Type string `json:"type"`

	SessionID   string `json:"session_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`

	Title        string  `json:"title,omitempty"`
	Text         *string `json:"text,omitempty"`
	PageID       string  `json:"page_id,omitempty"`
	PageIndex    *int    `json:"page_index,omitempty"`
	PageNumber   *int    `json:"page_number,omitempty"`
	IsCoverImage bool    `json:"is_cover_image,omitempty"`

	Op       *DrawOp `json:"data,omitempty"`
	Position *Point  `json:"position,omitempty"`

	CursorPosition *Point   `json:"cursor_position,omitempty"`
	CaretIndex     *int     `json:"caret_index,omitempty"`
	Value          *string  `json:"value,omitempty"`
	ElementID      string   `json:"element_id,omitempty"`
	CurrentTool    string   `json:"current_tool,omitempty"`
	Activity       Activity `json:"activity,omitempty"`
	CursorColor    string   `json:"cursor_color,omitempty"`

	Participants  []Participant     `json:"participants,omitempty"`
	StoryDraft    *StoryDraft       `json:"story_draft,omitempty"`
	CanvasData    map[string]string `json:"canvas_data,omitempty"`
	YourColor     string            `json:"your_color,omitempty"`
	CurrentUserID string            `json:"current_user_id,omitempty"`

	VoteID            string          `json:"vote_id,omitempty"`
	InitiatedBy       string          `json:"initiated_by,omitempty"`
	TotalParticipants int             `json:"total_participants,omitempty"`
	Vote              *bool           `json:"vote,omitempty"`
	Votes             map[string]bool `json:"votes,omitempty"`
	YesVotes          int             `json:"yes_votes,omitempty"`
	NoVotes           int             `json:"no_votes,omitempty"`
	Approved          *bool           `json:"approved,omitempty"`
	Genres            []string        `json:"genres,omitempty"`
	Category          string          `json:"category,omitempty"`
	StoryID           string          `json:"story_id,omitempty"`

	PageViewers map[int][]Viewer `json:"page_viewers,omitempty"`

	CanvasDataURL string `json:"canvas_data_url,omitempty"`
	TargetUserID  string `json:"target_user_id,omitempty"`
	Temporary     bool   `json:"temporary,omitempty"`
	IsHost        bool   `json:"is_host,omitempty"`
	EndedBy       string `json:"ended_by,omitempty"`
	Notice        string `json:"message,omitempty"`
}

// PageKey returns the canvas key addressed by a draw/clear/snapshot frame.
func (m Message) PageKey() string {
	if m.IsCoverImage {
		return CoverPageKey
	}
	return m.PageID
}

// Encode marshals a frame, refusing frames without a type.
func Encode(m Message) ([]byte, error) {
	if m.Type == "" {
		return nil, ErrMissingType
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return b, nil
}

// Decode parses a frame and checks for the type discriminator.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if m.Type == "" {
		return Message{}, ErrMissingType
	}
	return m, nil
}

// Int returns a pointer to i, for optional index fields.
func Int(i int) *int { return &i }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// String returns a pointer to s.
func String(s string) *string { return &s }
