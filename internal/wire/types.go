package wire

// Role distinguishes the session host from other participants.
type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

// Activity is the derived typing state carried by presence frames.
type Activity string

const (
	ActivityIdle        Activity = "idle"
	ActivityTypingTitle Activity = "typing_title"
	ActivityTypingText  Activity = "typing_text"
)

// Participant is one roster entry.
type Participant struct {
	UserID           string   `json:"user_id"`
	Username         string   `json:"username"`
	DisplayName      string   `json:"display_name,omitempty"`
	Role             Role     `json:"role"`
	CursorColor      string   `json:"cursor_color,omitempty"`
	IsActive         bool     `json:"is_active"`
	CurrentTool      string   `json:"current_tool,omitempty"`
	CurrentPageIndex *int     `json:"current_page_index,omitempty"`
	Activity         Activity `json:"activity,omitempty"`
}

// Name returns the best display label for the participant.
func (p Participant) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if p.Username != "" {
		return p.Username
	}
	return "User " + p.UserID
}

// Viewer identifies someone positioned on a page.
type Viewer struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	CursorColor string `json:"cursor_color,omitempty"`
}

// Page is one page of the shared draft as carried on the wire.
type Page struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
}

// StoryDraft is the full-state snapshot carried by init.
type StoryDraft struct {
	Title string `json:"title"`
	Pages []Page `json:"pages"`
}

// Session is the metadata returned by the session REST API.
type Session struct {
	ID               string        `json:"id"`
	JoinCode         string        `json:"join_code"`
	HostID           string        `json:"host_id"`
	IsLobbyOpen      bool          `json:"is_lobby_open"`
	IsActive         bool          `json:"is_active"`
	ParticipantCount int           `json:"participant_count"`
	Participants     []Participant `json:"participants,omitempty"`
	StoryDraft       *StoryDraft   `json:"story_draft,omitempty"`
}

// Point is a canvas or screen coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned box on the canvas.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// OpKind names a drawing operation.
type OpKind string

const (
	OpPath   OpKind = "path"
	OpBrush  OpKind = "brush"
	OpShape  OpKind = "shape"
	OpText   OpKind = "text"
	OpEraser OpKind = "eraser"
)

// DrawOp is one drawing operation replicated between canvases. Field names
// follow the canvas payload the drawing surfaces already produce.
type DrawOp struct {
	Kind        OpKind  `json:"type"`
	Points      []Point `json:"points,omitempty"`
	Color       string  `json:"color,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
	BrushType   string  `json:"brushType,omitempty"`
	ShapeType   string  `json:"shapeType,omitempty"`
	Bounds      *Rect   `json:"bounds,omitempty"`
	Filled      bool    `json:"filled,omitempty"`
	Text        string  `json:"text,omitempty"`
	X           float64 `json:"x,omitempty"`
	Y           float64 `json:"y,omitempty"`
	FontSize    float64 `json:"fontSize,omitempty"`
	Size        float64 `json:"size,omitempty"`
}
