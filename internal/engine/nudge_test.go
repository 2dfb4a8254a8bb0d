package engine_test

import (
	"testing"
	"time"

	"clawmarket/internal/domain"
	"clawmarket/internal/engine"
)

func TestFindStaleSurfacesQuietAwardedTasks(t *testing.T) {
	env := newTestEnv(t)
	requester, worker := "+1000", "+2000"
	task := env.awardedTask(t, requester, worker)

	// not stale yet
	stale, err := env.Engine.FindStale(env.Ctx, 3600, 10)
	if err != nil {
		t.Fatalf("find stale: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("fresh award reported stale: %+v", stale)
	}

	env.advance(2 * time.Hour)
	stale, err = env.Engine.FindStale(env.Ctx, 3600, 10)
	if err != nil {
		t.Fatalf("find stale: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("stale = %d", len(stale))
	}
	hit := stale[0]
	if hit.Task.ID != task.ID || hit.Worker != worker || hit.Requester != requester {
		t.Fatalf("hit = %+v", hit)
	}
	if hit.Staleness != 2*3600 {
		t.Fatalf("staleness = %d", hit.Staleness)
	}
}

func TestProgressUpdateResetsStalenessClock(t *testing.T) {
	env := newTestEnv(t)
	task := env.awardedTask(t, "+1000", "+2000")
	env.advance(2 * time.Hour)
	if _, _, err := env.Engine.PostUpdate(env.Ctx, engine.PostUpdateOptions{
		Task: task.ID, Worker: "+2000", Message: "on it",
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	stale, err := env.Engine.FindStale(env.Ctx, 3600, 10)
	if err != nil {
		t.Fatalf("find stale: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("updated task still stale: %+v", stale)
	}
}

func TestMarkNudgedIsOneShot(t *testing.T) {
	env := newTestEnv(t)
	task := env.awardedTask(t, "+1000", "+2000")
	env.advance(2 * time.Hour)

	if _, err := env.Engine.MarkNudged(env.Ctx, task.ID); err != nil {
		t.Fatalf("mark nudged: %v", err)
	}
	got, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if got.LastNudgedAt == nil {
		t.Fatal("lastNudgedAt not set")
	}
	found := false
	for _, h := range got.History {
		if h.Event == domain.EventNudge {
			found = true
		}
	}
	if !found {
		t.Fatal("nudge not audited")
	}

	// a nudged task never comes back, even after more silence
	env.advance(24 * time.Hour)
	stale, err := env.Engine.FindStale(env.Ctx, 3600, 10)
	if err != nil {
		t.Fatalf("find stale: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("nudged task surfaced again: %+v", stale)
	}
}

func TestMarkNudgedUnknownTask(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.MarkNudged(env.Ctx, "T424242")
	if f := failureCode(t, err); f.Code != engine.CodeTaskNotFound {
		t.Fatalf("code = %q", f.Code)
	}
}

func TestFindStaleRespectsLimitAndStatus(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.awardedTask(t, "+1000", "+2000")
	}
	// open and approved tasks are never candidates
	env.openTask(t, "+1000")
	done := env.awardedTask(t, "+1000", "+2000")
	if _, err := env.Engine.Submit(env.Ctx, done.ID, "+2000", "done"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, done.ID, "+1000"); err != nil {
		t.Fatal(err)
	}

	env.advance(2 * time.Hour)
	stale, err := env.Engine.FindStale(env.Ctx, 3600, 2)
	if err != nil {
		t.Fatalf("find stale: %v", err)
	}
	if len(stale) != 2 {
		t.Fatalf("limit not applied: %d", len(stale))
	}
	for _, s := range stale {
		if s.Task.Status != domain.StatusAwarded {
			t.Fatalf("non-awarded task surfaced: %+v", s.Task)
		}
	}
}
