package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clawmarket/internal/domain"
	"clawmarket/internal/engine"
	"clawmarket/internal/metrics"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string

	// Write-rate limits, per client IP per minute. Zero disables a limit.
	RegisterPerMinute   int
	CreateTaskPerMinute int

	// Defaults for the needs-nudge scan; query parameters override.
	NudgeSilenceSeconds int64
	NudgeLimit          int
}

// apiError is the transport-level error envelope: 404s on by-id routes,
// schema validation rejections, and internal errors. Domain failures do not
// go through here; handlers render those as 200 envelopes.
type apiError struct {
	status int
	OK     bool   `json:"ok"`
	Code   string `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Code }

func newAPIError(status int, code string) huma.StatusError {
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
	return &apiError{status: status, Code: code}
}

// New returns an HTTP handler exposing the marketplace API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the ok/error envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "")
	}

	router := chi.NewRouter()
	router.Use(requestIDMiddleware)
	router.Use(metricsMiddleware)
	if cfg.RegisterPerMinute > 0 {
		router.Use(limitPath(http.MethodPost, basePath+"/users/register", writeLimiter(cfg.RegisterPerMinute)))
	}
	if cfg.CreateTaskPerMinute > 0 {
		router.Use(limitPath(http.MethodPost, basePath+"/tasks", writeLimiter(cfg.CreateTaskPerMinute)))
	}
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("Clawmarket API", "0.1.0")
	api := humachi.New(router, hcfg)
	var group huma.API = api
	if basePath != "" {
		group = huma.NewGroup(api, basePath)
	}

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerAdmin(group, cfg.Engine, cfg)

	return router, nil
}

// handleError converts unexpected engine errors into a 500 envelope. Domain
// failures never reach it; handlers pick those off first.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	return newAPIError(http.StatusInternalServerError, "internal_error")
}

// taskOutcome renders the shared success-or-failure envelope for mutations.
func taskOutcome(env TaskEnvelope, err error) (*TaskEnvelope, error) {
	if err != nil {
		if f, ok := engine.AsFailure(err); ok {
			fe := taskFailureEnvelope(f)
			return &fe, nil
		}
		return nil, handleError(err)
	}
	env.OK = true
	return &env, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

func writeLimiter(perMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.RateLimited.WithLabelValues(r.URL.Path).Inc()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "rate_limited"})
		}))
}

// limitPath applies limiter only to one method+path pair; read routes are
// never throttled.
func limitPath(method, route string, limiter func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limited := limiter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == method && r.URL.Path == route {
				limited.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Store counts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusEnvelope `json:"body"`
	}, error) {
		s, err := e.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusEnvelope `json:"body"`
		}{Body: StatusEnvelope{
			OK:   true,
			Time: s.Time,
			Counts: StatusCounts{
				Users:     s.Users,
				Tasks:     s.Tasks,
				OpenTasks: s.OpenTasks,
			},
		}}, nil
	})
}

func registerUsers(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "register-user",
		Method:      http.MethodPost,
		Path:        "/users/register",
		Summary:     "Register a user",
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*struct {
		Body UserEnvelope `json:"body"`
	}, error) {
		u, err := e.Register(ctx, input.Body.Phone, input.Body.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserEnvelope `json:"body"`
		}{Body: UserEnvelope{OK: true, User: u}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-availability",
		Method:      http.MethodPost,
		Path:        "/users/availability",
		Summary:     "Set worker availability",
	}, func(ctx context.Context, input *struct {
		Body AvailabilityRequest `json:"body"`
	}) (*struct {
		Body UserEnvelope `json:"body"`
	}, error) {
		u, err := e.SetAvailability(ctx, input.Body.Phone, input.Body.Available)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserEnvelope `json:"body"`
		}{Body: UserEnvelope{OK: true, User: u}}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-open-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/open",
		Summary:     "List open tasks",
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50" minimum:"0"`
		Viewer string `query:"viewer"`
	}) (*struct {
		Body TasksEnvelope `json:"body"`
	}, error) {
		tasks, err := e.OpenTasks(ctx, input.Limit, input.Viewer)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TasksEnvelope `json:"body"`
		}{Body: TasksEnvelope{OK: true, Tasks: taskViews(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Viewer string `query:"viewer"`
	}) (*struct {
		Body TaskEnvelope `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			if f, ok := engine.AsFailure(err); ok && f.Code == engine.CodeTaskNotFound {
				return nil, newAPIError(http.StatusNotFound, engine.CodeTaskNotFound)
			}
			return nil, handleError(err)
		}
		view := taskView(t, input.Viewer)
		return &struct {
			Body TaskEnvelope `json:"body"`
		}{Body: TaskEnvelope{OK: true, Task: &view}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-task",
		Method:      http.MethodPost,
		Path:        "/tasks",
		Summary:     "Post a task",
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskEnvelope `json:"body"`
	}, error) {
		t, err := e.CreateTask(ctx, engine.CreateTaskOptions{
			Requester:    input.Body.Requester,
			Title:        input.Body.Title,
			Instructions: input.Body.Instructions,
			Budget:       input.Body.Budget,
			Category:     input.Body.Category,
			Deadline:     input.Body.Deadline,
		})
		if err != nil {
			return nil, handleError(err)
		}
		view := taskView(t, "")
		return &struct {
			Body TaskEnvelope `json:"body"`
		}{Body: TaskEnvelope{OK: true, Task: &view}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "propose",
		Method:      http.MethodPost,
		Path:        "/tasks/propose",
		Summary:     "Submit a proposal",
	}, func(ctx context.Context, input *struct {
		Body ProposeRequest `json:"body"`
	}) (*struct {
		Body TaskEnvelope `json:"body"`
	}, error) {
		t, prop, err := e.Propose(ctx, engine.ProposeOptions{
			Task:   input.Body.Task,
			Worker: input.Body.Worker,
			Price:  input.Body.Price,
			Eta:    input.Body.Eta,
			Note:   input.Body.Note,
		})
		env := TaskEnvelope{Proposal: prop}
		if t != nil {
			view := taskView(t, "")
			env.Task = &view
		}
		out, herr := taskOutcome(env, err)
		if herr != nil {
			return nil, herr
		}
		return &struct {
			Body TaskEnvelope `json:"body"`
		}{Body: *out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept",
		Method:      http.MethodPost,
		Path:        "/tasks/accept",
		Summary:     "Register interest in a task",
	}, func(ctx context.Context, input *struct {
		Body AcceptRequest `json:"body"`
	}) (*struct {
		Body TaskEnvelope `json:"body"`
	}, error) {
		t, err := e.Accept(ctx, input.Body.Task, input.Body.Worker)
		return taskBody(t, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "award",
		Method:      http.MethodPost,
		Path:        "/tasks/award",
		Summary:     "Award a task to a worker",
	}, func(ctx context.Context, input *struct {
		Body AwardRequest `json:"body"`
	}) (*struct {
		Body TaskEnvelope `json:"body"`
	}, error) {
		t, err := e.Award(ctx, input.Body.Task, input.Body.Requester, input.Body.Worker)
		return taskBody(t, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "post-update",
		Method:      http.MethodPost,
		Path:        "/tasks/update",
		Summary:     "Post a progress update",
	}, func(ctx context.Context, input *struct {
		Body UpdateRequest `json:"body"`
	}) (*struct {
		Body TaskEnvelope `json:"body"`
	}, error) {
		t, upd, err := e.PostUpdate(ctx, engine.PostUpdateOptions{
			Task:    input.Body.Task,
			Worker:  input.Body.Worker,
			Message: input.Body.Message,
			Eta:     input.Body.Eta,
		})
		env := TaskEnvelope{Update: upd}
		if t != nil {
			view := taskView(t, "")
			env.Task = &view
		}
		out, herr := taskOutcome(env, err)
		if herr != nil {
			return nil, herr
		}
		return &struct {
			Body TaskEnvelope `json:"body"`
		}{Body: *out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit",
		Method:      http.MethodPost,
		Path:        "/tasks/submit",
		Summary:     "Submit a result",
	}, func(ctx context.Context, input *struct {
		Body SubmitRequest `json:"body"`
	}) (*struct {
		Body TaskEnvelope `json:"body"`
	}, error) {
		t, err := e.Submit(ctx, input.Body.Task, input.Body.Worker, input.Body.Result)
		return taskBody(t, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve",
		Method:      http.MethodPost,
		Path:        "/tasks/approve",
		Summary:     "Approve a submitted result",
	}, func(ctx context.Context, input *struct {
		Body ApproveRequest `json:"body"`
	}) (*struct {
		Body TaskEnvelope `json:"body"`
	}, error) {
		t, err := e.Approve(ctx, input.Body.Task, input.Body.Requester)
		return taskBody(t, err)
	})
}

// taskBody wraps the common single-task mutation response.
func taskBody(t *domain.Task, err error) (*struct {
	Body TaskEnvelope `json:"body"`
}, error) {
	env := TaskEnvelope{}
	if t != nil {
		view := taskView(t, "")
		env.Task = &view
	}
	out, herr := taskOutcome(env, err)
	if herr != nil {
		return nil, herr
	}
	return &struct {
		Body TaskEnvelope `json:"body"`
	}{Body: *out}, nil
}

func registerAdmin(api huma.API, e *engine.Engine, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "needs-nudge",
		Method:      http.MethodGet,
		Path:        "/admin/needs-nudge",
		Summary:     "List stale awarded tasks",
	}, func(ctx context.Context, input *struct {
		SilenceSeconds int64 `query:"silence_seconds" minimum:"0"`
		Limit          int   `query:"limit" minimum:"0"`
	}) (*struct {
		Body NudgeEnvelope `json:"body"`
	}, error) {
		silence := input.SilenceSeconds
		if silence <= 0 {
			silence = cfg.NudgeSilenceSeconds
		}
		limit := input.Limit
		if limit <= 0 {
			limit = cfg.NudgeLimit
		}
		stale, err := e.FindStale(ctx, silence, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NudgeEnvelope `json:"body"`
		}{Body: NudgeEnvelope{OK: true, Stale: staleViews(stale)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-nudged",
		Method:      http.MethodPost,
		Path:        "/admin/mark-nudged",
		Summary:     "Record that a reminder was sent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body MarkNudgedRequest `json:"body"`
	}) (*struct {
		Body TaskEnvelope `json:"body"`
	}, error) {
		t, err := e.MarkNudged(ctx, input.Body.Task)
		if err != nil {
			if f, ok := engine.AsFailure(err); ok && f.Code == engine.CodeTaskNotFound {
				return nil, newAPIError(http.StatusNotFound, engine.CodeTaskNotFound)
			}
			return nil, handleError(err)
		}
		view := taskView(t, "")
		return &struct {
			Body TaskEnvelope `json:"body"`
		}{Body: TaskEnvelope{OK: true, Task: &view}}, nil
	})
}
