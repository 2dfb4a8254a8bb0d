package server

import (
	"clawmarket/internal/domain"
	"clawmarket/internal/engine"
	"clawmarket/internal/identity"
)

// Request payloads. Identities arrive as freeform phone strings and are
// normalized by the engine.

type RegisterRequest struct {
	Phone string `json:"phone" minLength:"1"`
	Role  string `json:"role,omitempty" enum:"worker,requester,both"`
}

type AvailabilityRequest struct {
	Phone     string `json:"phone" minLength:"1"`
	Available bool   `json:"available"`
}

type CreateTaskRequest struct {
	Requester    string  `json:"requester" minLength:"1"`
	Title        string  `json:"title" minLength:"1"`
	Instructions string  `json:"instructions"`
	Budget       float64 `json:"budget" minimum:"0"`
	Category     string  `json:"category,omitempty"`
	Deadline     *string `json:"deadline,omitempty"`
}

type ProposeRequest struct {
	Task   string  `json:"task" minLength:"1"`
	Worker string  `json:"worker" minLength:"1"`
	Price  float64 `json:"price" minimum:"0"`
	Eta    string  `json:"eta,omitempty"`
	Note   string  `json:"note,omitempty"`
}

type AcceptRequest struct {
	Task   string `json:"task" minLength:"1"`
	Worker string `json:"worker" minLength:"1"`
}

type AwardRequest struct {
	Task      string `json:"task" minLength:"1"`
	Requester string `json:"requester" minLength:"1"`
	Worker    string `json:"worker" minLength:"1"`
}

type UpdateRequest struct {
	Task    string `json:"task" minLength:"1"`
	Worker  string `json:"worker" minLength:"1"`
	Message string `json:"message" minLength:"1"`
	Eta     string `json:"eta,omitempty"`
}

type SubmitRequest struct {
	Task   string `json:"task" minLength:"1"`
	Worker string `json:"worker" minLength:"1"`
	Result string `json:"result" minLength:"1"`
}

type ApproveRequest struct {
	Task      string `json:"task" minLength:"1"`
	Requester string `json:"requester" minLength:"1"`
}

type MarkNudgedRequest struct {
	Task string `json:"task" minLength:"1"`
}

// TaskView is the task as rendered to a viewer. For a viewer uninvolved in a
// task that has left open, the party-identifying and content fields are
// omitted and Redacted is set. Slices are pointers so an unredacted empty
// list still renders as [] rather than disappearing.
type TaskView struct {
	ID           string                `json:"id"`
	Status       string                `json:"status" enum:"open,awarded,submitted,approved"`
	Requester    string                `json:"requester,omitempty"`
	Title        string                `json:"title"`
	Instructions string                `json:"instructions"`
	Budget       float64               `json:"budget"`
	Category     string                `json:"category"`
	Deadline     *string               `json:"deadline,omitempty"`
	CreatedAt    int64                 `json:"createdAt"`
	UpdatedAt    int64                 `json:"updatedAt"`
	Proposals    *[]domain.Proposal    `json:"proposals,omitempty"`
	AcceptedBy   *[]string             `json:"acceptedBy,omitempty"`
	AwardedTo    *string               `json:"awardedTo,omitempty"`
	Submission   *domain.Submission    `json:"submission,omitempty"`
	Updates      *[]domain.Update      `json:"updates,omitempty"`
	LastUpdateAt *int64                `json:"lastUpdateAt,omitempty"`
	LastNudgedAt *int64                `json:"lastNudgedAt,omitempty"`
	History      []domain.HistoryEntry `json:"history,omitempty"`
	Redacted     bool                  `json:"redacted,omitempty"`
}

// taskView renders a task for a viewer. An empty viewer sees everything (the
// command surface and trusted callers); redaction applies only when a viewer
// is supplied, the task has left open, and the viewer is neither party.
func taskView(t *domain.Task, viewer string) TaskView {
	v := TaskView{
		ID:           t.ID,
		Status:       t.Status,
		Title:        t.Title,
		Instructions: t.Instructions,
		Budget:       t.Budget,
		Category:     t.Category,
		Deadline:     t.Deadline,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		LastUpdateAt: t.LastUpdateAt,
		LastNudgedAt: t.LastNudgedAt,
	}
	if viewer != "" && t.Status != domain.StatusOpen && !t.IsParticipant(identity.Normalize(viewer)) {
		v.Redacted = true
		return v
	}
	proposals := nonNil(t.Proposals)
	accepted := nonNil(t.AcceptedBy)
	updates := nonNil(t.Updates)
	v.Requester = t.Requester
	v.Proposals = &proposals
	v.AcceptedBy = &accepted
	v.AwardedTo = t.AwardedTo
	v.Submission = t.Submission
	v.Updates = &updates
	v.History = t.History
	return v
}

func taskViews(tasks []*domain.Task) []TaskView {
	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskView(t, ""))
	}
	return out
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

// Response envelopes. Domain failures keep the command surface's shape:
// ok=false plus the failure code and, where relevant, the current status.

type StatusCounts struct {
	Users     int `json:"users"`
	Tasks     int `json:"tasks"`
	OpenTasks int `json:"open_tasks"`
}

type StatusEnvelope struct {
	OK     bool         `json:"ok"`
	Time   int64        `json:"time"`
	Counts StatusCounts `json:"counts"`
}

type UserEnvelope struct {
	OK    bool         `json:"ok"`
	Error string       `json:"error,omitempty"`
	User  *domain.User `json:"user,omitempty"`
}

type TaskEnvelope struct {
	OK       bool             `json:"ok"`
	Error    string           `json:"error,omitempty"`
	Status   string           `json:"status,omitempty"`
	Task     *TaskView        `json:"task,omitempty"`
	Proposal *domain.Proposal `json:"proposal,omitempty"`
	Update   *domain.Update   `json:"update,omitempty"`
}

type TasksEnvelope struct {
	OK    bool       `json:"ok"`
	Tasks []TaskView `json:"tasks"`
}

type StaleView struct {
	Task      TaskView `json:"task"`
	Worker    string   `json:"worker"`
	Requester string   `json:"requester"`
	Staleness int64    `json:"staleness_seconds"`
}

type NudgeEnvelope struct {
	OK    bool        `json:"ok"`
	Stale []StaleView `json:"stale"`
}

func staleViews(in []engine.StaleTask) []StaleView {
	out := make([]StaleView, 0, len(in))
	for _, s := range in {
		out = append(out, StaleView{
			Task:      taskView(s.Task, ""),
			Worker:    s.Worker,
			Requester: s.Requester,
			Staleness: s.Staleness,
		})
	}
	return out
}

func taskFailureEnvelope(f *engine.Failure) TaskEnvelope {
	return TaskEnvelope{Error: f.Code, Status: f.TaskStatus}
}
