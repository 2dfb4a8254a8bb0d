package domain

// Task status values. A task only ever moves forward:
// open -> awarded -> submitted -> approved.
const (
	StatusOpen      = "open"
	StatusAwarded   = "awarded"
	StatusSubmitted = "submitted"
	StatusApproved  = "approved"
)

// User roles.
const (
	RoleWorker    = "worker"
	RoleRequester = "requester"
	RoleBoth      = "both"
)

// History event names.
const (
	EventCreated  = "created"
	EventProposal = "proposal"
	EventAccept   = "accept"
	EventAward    = "award"
	EventUpdate   = "update"
	EventSubmit   = "submit"
	EventApprove  = "approve"
	EventNudge    = "nudge"
)

// StoreVersion is the current persisted document schema version.
const StoreVersion = 1

// Reputation counters are derived from lifecycle transitions only. The
// rejected/onTime/late counters are carried in the schema but no operation
// increments them yet.
type Reputation struct {
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	OnTime   int `json:"onTime"`
	Late     int `json:"late"`
}

type User struct {
	Phone      string     `json:"phone"`
	Role       string     `json:"role" enum:"worker,requester,both"`
	Reputation Reputation `json:"reputation"`
	Available  *bool      `json:"available,omitempty"`
	CreatedAt  int64      `json:"createdAt"`
	UpdatedAt  int64      `json:"updatedAt"`
}

type Proposal struct {
	Worker string  `json:"worker"`
	Price  float64 `json:"price"`
	Eta    string  `json:"eta,omitempty"`
	Note   string  `json:"note,omitempty"`
	At     int64   `json:"at"`
}

type Update struct {
	By      string `json:"by"`
	Message string `json:"message"`
	Eta     string `json:"eta,omitempty"`
	At      int64  `json:"at"`
}

type Submission struct {
	Worker string `json:"worker"`
	Result string `json:"result"`
	At     int64  `json:"at"`
}

// HistoryEntry is one line of a task's audit trail. Every accepted mutation
// appends exactly one entry; the log is never rewritten or pruned.
type HistoryEntry struct {
	At    int64          `json:"at"`
	Event string         `json:"event"`
	By    string         `json:"by"`
	Data  map[string]any `json:"data,omitempty"`
}

type Task struct {
	ID           string         `json:"id"`
	Status       string         `json:"status" enum:"open,awarded,submitted,approved"`
	Requester    string         `json:"requester"`
	Title        string         `json:"title"`
	Instructions string         `json:"instructions"`
	Budget       float64        `json:"budget"`
	Category     string         `json:"category"`
	Deadline     *string        `json:"deadline"`
	CreatedAt    int64          `json:"createdAt"`
	UpdatedAt    int64          `json:"updatedAt"`
	Proposals    []Proposal     `json:"proposals"`
	AcceptedBy   []string       `json:"acceptedBy"`
	AwardedTo    *string        `json:"awardedTo"`
	Submission   *Submission    `json:"submission"`
	Updates      []Update       `json:"updates"`
	LastUpdateAt *int64         `json:"lastUpdateAt"`
	LastNudgedAt *int64         `json:"lastNudgedAt"`
	History      []HistoryEntry `json:"history"`
}

// Store is the whole persisted marketplace aggregate. Every mutating operation
// reads it whole, applies one transition, and writes it back whole.
type Store struct {
	Version   int              `json:"version"`
	CreatedAt int64            `json:"createdAt"`
	Users     map[string]*User `json:"users"`
	Tasks     map[string]*Task `json:"tasks"`
	Seq       int              `json:"seq"`
}

// NewStore returns an empty aggregate at the current schema version.
func NewStore(now int64) *Store {
	return &Store{
		Version:   StoreVersion,
		CreatedAt: now,
		Users:     map[string]*User{},
		Tasks:     map[string]*Task{},
		Seq:       0,
	}
}

// InProgress reports whether the awarded worker may still post updates.
func (t *Task) InProgress() bool {
	return t.Status == StatusAwarded || t.Status == StatusSubmitted
}

// IsParticipant reports whether identity is the requester or the awarded
// worker. Identities must already be normalized.
func (t *Task) IsParticipant(identity string) bool {
	if identity == t.Requester {
		return true
	}
	return t.AwardedTo != nil && *t.AwardedTo == identity
}

// AppendHistory records one audit entry and is the only way history grows.
func (t *Task) AppendHistory(at int64, event, by string, data map[string]any) {
	t.History = append(t.History, HistoryEntry{At: at, Event: event, By: by, Data: data})
}
