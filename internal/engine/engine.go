// Package engine is the task lifecycle state machine. Every operation runs a
// full read-modify-write cycle over the shared store; mutations are serialized
// through a single write lock so concurrent requests cannot lose updates.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"clawmarket/internal/domain"
	"clawmarket/internal/identity"
	"clawmarket/internal/metrics"
	"clawmarket/internal/store"
)

type Engine struct {
	mu      sync.RWMutex
	backend store.Backend

	// Now is injectable for tests.
	Now func() time.Time
}

func New(b store.Backend) *Engine {
	return &Engine{backend: b, Now: time.Now}
}

func (e *Engine) now() int64 {
	if e.Now != nil {
		return e.Now().Unix()
	}
	return time.Now().Unix()
}

// mutate runs fn under the write lock and persists the store only when fn
// succeeds. A failing fn discards the in-memory copy, so a rejected
// precondition never leaves a partial mutation behind.
func (e *Engine) mutate(ctx context.Context, op string, fn func(st *domain.Store, now int64) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.backend.Load(ctx)
	if err != nil {
		metrics.ObserveOperation(op, "error")
		return err
	}
	if err := fn(st, e.now()); err != nil {
		metrics.ObserveOperation(op, outcome(err))
		return err
	}
	if err := e.backend.Save(ctx, st); err != nil {
		metrics.ObserveOperation(op, "error")
		return err
	}
	metrics.ObserveOperation(op, "ok")
	return nil
}

// view runs fn against a consistent snapshot without the write lock.
func (e *Engine) view(ctx context.Context, op string, fn func(st *domain.Store, now int64) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, err := e.backend.Load(ctx)
	if err != nil {
		metrics.ObserveOperation(op, "error")
		return err
	}
	err = fn(st, e.now())
	metrics.ObserveOperation(op, outcome(err))
	return err
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if f, ok := AsFailure(err); ok {
		return f.Code
	}
	return "error"
}

// Init creates the persisted store if absent and rewrites it at the current
// schema version.
func (e *Engine) Init(ctx context.Context) error {
	return e.mutate(ctx, "init", func(st *domain.Store, now int64) error {
		return nil
	})
}

// ensureUser registers an identity on first reference. The identity must
// already be normalized.
func ensureUser(st *domain.Store, phone, role string, now int64) *domain.User {
	if u, ok := st.Users[phone]; ok {
		return u
	}
	u := &domain.User{
		Phone:     phone,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	st.Users[phone] = u
	return u
}

// Register creates or updates a user. Role defaults to "both"; an existing
// user keeps its createdAt and reputation.
func (e *Engine) Register(ctx context.Context, phone, role string) (*domain.User, error) {
	if role == "" {
		role = domain.RoleBoth
	}
	var out *domain.User
	err := e.mutate(ctx, "register", func(st *domain.Store, now int64) error {
		id := identity.Normalize(phone)
		u := ensureUser(st, id, role, now)
		u.Role = role
		u.UpdatedAt = now
		out = u
		return nil
	})
	return out, err
}

// SetAvailability sets the last-writer-wins availability flag, registering
// the identity with role "both" if unknown.
func (e *Engine) SetAvailability(ctx context.Context, phone string, available bool) (*domain.User, error) {
	var out *domain.User
	err := e.mutate(ctx, "availability", func(st *domain.Store, now int64) error {
		id := identity.Normalize(phone)
		u := ensureUser(st, id, domain.RoleBoth, now)
		u.Available = &available
		u.UpdatedAt = now
		out = u
		return nil
	})
	return out, err
}

// CreateTaskOptions are the parameters for posting a task.
type CreateTaskOptions struct {
	Requester    string
	Title        string
	Instructions string
	Budget       float64
	Category     string
	Deadline     *string
}

// CreateTask opens a new task and assigns the next sequence id. The requester
// is auto-registered if unknown.
func (e *Engine) CreateTask(ctx context.Context, opts CreateTaskOptions) (*domain.Task, error) {
	category := opts.Category
	if category == "" {
		category = "general"
	}
	var out *domain.Task
	err := e.mutate(ctx, "create_task", func(st *domain.Store, now int64) error {
		requester := identity.Normalize(opts.Requester)
		ensureUser(st, requester, domain.RoleRequester, now)
		st.Seq++
		t := &domain.Task{
			ID:           fmt.Sprintf("T%06d", st.Seq),
			Status:       domain.StatusOpen,
			Requester:    requester,
			Title:        opts.Title,
			Instructions: opts.Instructions,
			Budget:       opts.Budget,
			Category:     category,
			Deadline:     opts.Deadline,
			CreatedAt:    now,
			UpdatedAt:    now,
			Proposals:    []domain.Proposal{},
			AcceptedBy:   []string{},
			Updates:      []domain.Update{},
		}
		t.AppendHistory(now, domain.EventCreated, requester, nil)
		st.Tasks[t.ID] = t
		out = t
		return nil
	})
	return out, err
}

// OpenTasks lists open tasks newest-created first (stable on ties). When a
// viewer is given, the viewer's own postings are excluded so a user browsing
// as a worker does not see their own tasks. limit <= 0 means no limit.
func (e *Engine) OpenTasks(ctx context.Context, limit int, viewer string) ([]*domain.Task, error) {
	var out []*domain.Task
	err := e.view(ctx, "open_tasks", func(st *domain.Store, now int64) error {
		viewerID := ""
		if viewer != "" {
			viewerID = identity.Normalize(viewer)
		}
		ids := make([]string, 0, len(st.Tasks))
		for id := range st.Tasks {
			ids = append(ids, id)
		}
		// Sequence ids sort lexicographically in insertion order, which keeps
		// the createdAt sort stable across the map iteration.
		sort.Strings(ids)
		tasks := make([]*domain.Task, 0, len(ids))
		for _, id := range ids {
			t := st.Tasks[id]
			if t.Status != domain.StatusOpen {
				continue
			}
			if viewerID != "" && t.Requester == viewerID {
				continue
			}
			tasks = append(tasks, t)
		}
		sort.SliceStable(tasks, func(i, j int) bool {
			return tasks[i].CreatedAt > tasks[j].CreatedAt
		})
		if limit > 0 && len(tasks) > limit {
			tasks = tasks[:limit]
		}
		out = tasks
		return nil
	})
	return out, err
}

// GetTask fetches one task by id.
func (e *Engine) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	var out *domain.Task
	err := e.view(ctx, "get_task", func(st *domain.Store, now int64) error {
		t, ok := st.Tasks[id]
		if !ok {
			return fail(CodeTaskNotFound)
		}
		out = t
		return nil
	})
	return out, err
}

// ProposeOptions are the parameters for submitting a proposal.
type ProposeOptions struct {
	Task   string
	Worker string
	Price  float64
	Eta    string
	Note   string
}

// Propose appends a proposal to an open task. The worker is auto-registered.
func (e *Engine) Propose(ctx context.Context, opts ProposeOptions) (*domain.Task, *domain.Proposal, error) {
	var outTask *domain.Task
	var outProp *domain.Proposal
	err := e.mutate(ctx, "propose", func(st *domain.Store, now int64) error {
		t, ok := st.Tasks[opts.Task]
		if !ok {
			return fail(CodeTaskNotFound)
		}
		if t.Status != domain.StatusOpen {
			return failStatus(CodeTaskNotOpen, t.Status)
		}
		worker := identity.Normalize(opts.Worker)
		ensureUser(st, worker, domain.RoleWorker, now)
		prop := domain.Proposal{
			Worker: worker,
			Price:  opts.Price,
			Eta:    opts.Eta,
			Note:   opts.Note,
			At:     now,
		}
		t.Proposals = append(t.Proposals, prop)
		t.UpdatedAt = now
		t.AppendHistory(now, domain.EventProposal, worker, map[string]any{
			"price": prop.Price,
			"eta":   prop.Eta,
			"note":  prop.Note,
		})
		outTask = t
		outProp = &t.Proposals[len(t.Proposals)-1]
		return nil
	})
	return outTask, outProp, err
}

// Accept registers a worker's interest in an open task. Set semantics: a
// duplicate accept is a no-op on acceptedBy but still audited.
func (e *Engine) Accept(ctx context.Context, taskID, worker string) (*domain.Task, error) {
	var out *domain.Task
	err := e.mutate(ctx, "accept", func(st *domain.Store, now int64) error {
		t, ok := st.Tasks[taskID]
		if !ok {
			return fail(CodeTaskNotFound)
		}
		if t.Status != domain.StatusOpen {
			return failStatus(CodeTaskNotOpen, t.Status)
		}
		w := identity.Normalize(worker)
		ensureUser(st, w, domain.RoleWorker, now)
		seen := false
		for _, a := range t.AcceptedBy {
			if a == w {
				seen = true
				break
			}
		}
		if !seen {
			t.AcceptedBy = append(t.AcceptedBy, w)
		}
		t.UpdatedAt = now
		t.AppendHistory(now, domain.EventAccept, w, nil)
		out = t
		return nil
	})
	return out, err
}

// Award selects a worker for an open task. Only the task's requester may
// award; this starts the staleness clock.
func (e *Engine) Award(ctx context.Context, taskID, requester, worker string) (*domain.Task, error) {
	var out *domain.Task
	err := e.mutate(ctx, "award", func(st *domain.Store, now int64) error {
		t, ok := st.Tasks[taskID]
		if !ok {
			return fail(CodeTaskNotFound)
		}
		req := identity.Normalize(requester)
		if t.Requester != req {
			return fail(CodeNotRequester)
		}
		if t.Status != domain.StatusOpen {
			return failStatus(CodeTaskNotOpen, t.Status)
		}
		w := identity.Normalize(worker)
		ensureUser(st, w, domain.RoleWorker, now)
		t.Status = domain.StatusAwarded
		t.AwardedTo = &w
		t.UpdatedAt = now
		t.LastUpdateAt = &now
		t.AppendHistory(now, domain.EventAward, req, map[string]any{"to": w})
		out = t
		return nil
	})
	return out, err
}

// PostUpdateOptions are the parameters for a progress update.
type PostUpdateOptions struct {
	Task    string
	Worker  string
	Message string
	Eta     string
}

// PostUpdate appends a progress update. Only the awarded worker may post, and
// only while the task is awarded or submitted.
func (e *Engine) PostUpdate(ctx context.Context, opts PostUpdateOptions) (*domain.Task, *domain.Update, error) {
	var outTask *domain.Task
	var outUpd *domain.Update
	err := e.mutate(ctx, "update", func(st *domain.Store, now int64) error {
		t, ok := st.Tasks[opts.Task]
		if !ok {
			return fail(CodeTaskNotFound)
		}
		w := identity.Normalize(opts.Worker)
		if t.AwardedTo == nil || *t.AwardedTo != w {
			return fail(CodeNotAwardedWorker)
		}
		if !t.InProgress() {
			return failStatus(CodeTaskNotInProg, t.Status)
		}
		upd := domain.Update{
			By:      w,
			Message: opts.Message,
			Eta:     opts.Eta,
			At:      now,
		}
		t.Updates = append(t.Updates, upd)
		t.LastUpdateAt = &upd.At
		t.UpdatedAt = now
		t.AppendHistory(now, domain.EventUpdate, w, map[string]any{
			"message": upd.Message,
			"eta":     upd.Eta,
		})
		outTask = t
		outUpd = &t.Updates[len(t.Updates)-1]
		return nil
	})
	return outTask, outUpd, err
}

// Submit records the awarded worker's result and moves the task to submitted.
func (e *Engine) Submit(ctx context.Context, taskID, worker, result string) (*domain.Task, error) {
	var out *domain.Task
	err := e.mutate(ctx, "submit", func(st *domain.Store, now int64) error {
		t, ok := st.Tasks[taskID]
		if !ok {
			return fail(CodeTaskNotFound)
		}
		if t.Status != domain.StatusAwarded {
			return failStatus(CodeTaskNotAwarded, t.Status)
		}
		w := identity.Normalize(worker)
		if t.AwardedTo == nil || *t.AwardedTo != w {
			return fail(CodeNotAwardedWorker)
		}
		t.Status = domain.StatusSubmitted
		t.Submission = &domain.Submission{Worker: w, Result: result, At: now}
		t.UpdatedAt = now
		t.AppendHistory(now, domain.EventSubmit, w, nil)
		out = t
		return nil
	})
	return out, err
}

// Approve accepts a submitted result. Only the requester may approve; the
// awarded worker's approved counter goes up by exactly one. The status guard
// makes the increment single-shot per task.
func (e *Engine) Approve(ctx context.Context, taskID, requester string) (*domain.Task, error) {
	var out *domain.Task
	err := e.mutate(ctx, "approve", func(st *domain.Store, now int64) error {
		t, ok := st.Tasks[taskID]
		if !ok {
			return fail(CodeTaskNotFound)
		}
		req := identity.Normalize(requester)
		if t.Requester != req {
			return fail(CodeNotRequester)
		}
		if t.Status != domain.StatusSubmitted {
			return failStatus(CodeTaskNotSubmitted, t.Status)
		}
		t.Status = domain.StatusApproved
		t.UpdatedAt = now
		t.AppendHistory(now, domain.EventApprove, req, nil)
		if t.AwardedTo != nil {
			if u, ok := st.Users[*t.AwardedTo]; ok {
				u.Reputation.Approved++
				u.UpdatedAt = now
			}
		}
		out = t
		return nil
	})
	return out, err
}

// Summary is the store-wide status snapshot.
type Summary struct {
	Time      int64 `json:"time"`
	Users     int   `json:"users"`
	Tasks     int   `json:"tasks"`
	OpenTasks int   `json:"open_tasks"`
}

// Status counts users, tasks, and open tasks.
func (e *Engine) Status(ctx context.Context) (Summary, error) {
	var out Summary
	err := e.view(ctx, "status", func(st *domain.Store, now int64) error {
		open := 0
		for _, t := range st.Tasks {
			if t.Status == domain.StatusOpen {
				open++
			}
		}
		out = Summary{
			Time:      now,
			Users:     len(st.Users),
			Tasks:     len(st.Tasks),
			OpenTasks: open,
		}
		return nil
	})
	return out, err
}
