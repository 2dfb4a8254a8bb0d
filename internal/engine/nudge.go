package engine

import (
	"context"

	"clawmarket/internal/domain"
)

// StaleTask is one scanner hit: an awarded task that has gone quiet, plus the
// two parties a notifier would contact.
type StaleTask struct {
	Task      *domain.Task `json:"task"`
	Worker    string       `json:"worker"`
	Requester string       `json:"requester"`
	Staleness int64        `json:"staleness_seconds"`
}

// FindStale scans awarded tasks whose last sign of life is older than
// silenceSeconds and that have not been nudged yet. At most limit entries are
// returned; callers must not depend on ordering. The scan takes the write
// lock so it shares the mutation serialization point: a scan never interleaves
// with a markNudged from another request.
func (e *Engine) FindStale(ctx context.Context, silenceSeconds int64, limit int) ([]StaleTask, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := []StaleTask{}
	for _, t := range st.Tasks {
		if t.Status != domain.StatusAwarded || t.LastNudgedAt != nil {
			continue
		}
		last := t.CreatedAt
		if t.UpdatedAt > last {
			last = t.UpdatedAt
		}
		if t.LastUpdateAt != nil && *t.LastUpdateAt > last {
			last = *t.LastUpdateAt
		}
		staleness := now - last
		if staleness <= silenceSeconds {
			continue
		}
		worker := ""
		if t.AwardedTo != nil {
			worker = *t.AwardedTo
		}
		out = append(out, StaleTask{
			Task:      t,
			Worker:    worker,
			Requester: t.Requester,
			Staleness: staleness,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkNudged sets the one-shot lastNudgedAt marker. It is never reset, so a
// stalled task is surfaced to the notifier at most once for its lifetime in
// the awarded state.
func (e *Engine) MarkNudged(ctx context.Context, taskID string) (*domain.Task, error) {
	var out *domain.Task
	err := e.mutate(ctx, "mark_nudged", func(st *domain.Store, now int64) error {
		t, ok := st.Tasks[taskID]
		if !ok {
			return fail(CodeTaskNotFound)
		}
		t.LastNudgedAt = &now
		t.UpdatedAt = now
		t.AppendHistory(now, domain.EventNudge, "admin", nil)
		out = t
		return nil
	})
	return out, err
}
