package domain

// Phase groups lifecycle states into the three coarse stages an issue moves
// through. Transition and relation rules key off the phase, not the state name.
type Phase string

const (
	PhaseNegotiation Phase = "negotiation"
	PhaseProcessing  Phase = "processing"
	PhaseConclusion  Phase = "conclusion"
)

// System state names. Every project owns this fixed catalogue; user-defined
// states sit next to them inside one of the three phases.
const (
	StateChecking    = "Checking"
	StateNegotiating = "Negotiating"
	StateProcessing  = "Processing"
	StateWaiting     = "Waiting"
	StateBlocked     = "Blocked"
	StateReview      = "Review"
	StateCompleted   = "Completed"
	StateCancelled   = "Cancelled"
	StateArchived    = "Archived"
)

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type State struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Name        string `json:"name"`
	Phase       Phase  `json:"phase" enum:"negotiation,processing,conclusion"`
	UserDefined bool   `json:"user_defined"`
}

type Issue struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	StateID      string   `json:"state_id"`
	ParentID     *string  `json:"parent_id,omitempty"`
	Children     []string `json:"children,omitempty"`
	Predecessors []string `json:"predecessors,omitempty"`
	Successors   []string `json:"successors,omitempty"`

	Name         string   `json:"name"`
	Type         string   `json:"type"`
	StartDate    *string  `json:"start_date,omitempty" format:"date-time"`
	EndDate      *string  `json:"end_date,omitempty" format:"date-time"`
	Estimate     float64  `json:"estimate"`
	Progress     int      `json:"progress"`
	Requirements bool     `json:"requirements"`
	Visibility   string   `json:"visibility,omitempty"`
	Priority     *int     `json:"priority,omitempty"`
	AuthorID     string   `json:"author_id"`
	ClientID     *string  `json:"client_id,omitempty"`
	AssigneeIDs  []string `json:"assignee_ids,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
}

// Message is a notification or conversation-log entry addressed to one user.
type Message struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	IssueID     string `json:"issue_id,omitempty"`
	RecipientID string `json:"recipient_id"`
	Kind        string `json:"kind"`
	Text        string `json:"text,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
