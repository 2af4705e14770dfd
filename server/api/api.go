// Package api exposes provisioning and agent lifecycle over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gammadia/nomadcloud/agent"
	"github.com/gammadia/nomadcloud/cloud"
	"github.com/gammadia/nomadcloud/jobtemplate"
	"github.com/gammadia/nomadcloud/label"
	"github.com/gammadia/nomadcloud/server/book"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/lo"
)

type Config struct {
	Logger     *slog.Logger
	Cloud      *cloud.Cloud
	Book       *book.Book
	Launcher   *agent.Launcher
	Terminator *agent.Terminator
	Version    string
	// Context of background launches, cancelled on shutdown
	Context context.Context
}

type API struct {
	config Config
	log    *slog.Logger

	blocksMu sync.Mutex
	blocks   map[string]*cloud.Block

	launches sync.WaitGroup
}

func New(config Config) *API {
	return &API{
		config: config,
		log:    lo.Ternary(config.Logger == nil, slog.Default(), config.Logger).With("component", "api"),
		blocks: map[string]*cloud.Block{},
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/healthz", a.health)
	r.Get("/version", a.version)
	r.Post("/provision", a.provision)

	r.Route("/agents", func(r chi.Router) {
		r.Get("/", a.listAgents)
		r.Get("/{name}", a.getAgent)
		r.Post("/{name}/launch", a.launchAgent)
		r.Put("/{name}/status", a.updateStatus)
		r.Delete("/{name}", a.terminateAgent)
	})

	r.Route("/templates", func(r chi.Router) {
		r.Get("/", a.listTemplates)
		r.Post("/", a.addTemplate)
		r.Delete("/{name}", a.removeTemplate)
	})

	r.Route("/dynamic-templates", func(r chi.Router) {
		r.Post("/", a.enterBlock)
		r.Delete("/{name}", a.exitBlock)
	})

	return r
}

// Wait blocks until background launches are done.
func (a *API) Wait() {
	a.launches.Wait()
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request", middleware.GetReqID(r.Context()),
		)
	})
}

// --- Views ---

type AgentView struct {
	Name            string              `json:"name"`
	Cloud           string              `json:"cloud"`
	Label           string              `json:"label,omitempty"`
	Template        string              `json:"template"`
	State           agent.State         `json:"state"`
	Online          bool                `json:"online"`
	Busy            bool                `json:"busy"`
	BuildsCompleted int                 `json:"builds-completed"`
	IdleSince       *time.Time          `json:"idle-since,omitempty"`
	Retention       agent.RetentionKind `json:"retention"`
	RetentionAfter  string              `json:"retention-timeout"`
	Reason          string              `json:"reason,omitempty"`
	Terminating     bool                `json:"terminating,omitempty"`
	CreatedAt       time.Time           `json:"created-at"`
}

func agentView(e book.Entry) AgentView {
	view := AgentView{
		Name:            e.Name,
		Cloud:           e.CloudName,
		Label:           e.Label,
		Template:        e.Template,
		State:           e.State,
		Online:          e.Status.Online,
		Busy:            e.Status.Busy,
		BuildsCompleted: e.Status.BuildsCompleted,
		Retention:       e.Retention.Kind,
		RetentionAfter:  e.Retention.Timeout.String(),
		Reason:          e.Reason,
		Terminating:     e.Terminating,
		CreatedAt:       e.CreatedAt,
	}
	if !e.Status.IdleSince.IsZero() {
		view.IdleSince = &e.Status.IdleSince
	}
	return view
}

type ProvisionRequest struct {
	Label  string `json:"label"`
	Excess int    `json:"excess"`
	// Launch starts the planned agents right away
	Launch bool `json:"launch"`
	// Env is set on the tasks of every planned agent, over job level template variables
	Env map[string]string `json:"env,omitempty"`
}

type ProvisionResponse struct {
	Agents []AgentView `json:"agents"`
}

type LaunchResponse struct {
	Agent AgentView `json:"agent"`
	Error string    `json:"error,omitempty"`
}

// BlockRequest is a dynamic template along with the variables of the run
// entering the block, resolving the ${env.KEY} macros of its tasks.
type BlockRequest struct {
	jobtemplate.JobTemplate
	RunEnv map[string]string `json:"run-env,omitempty"`
}

type BlockResponse struct {
	Template string `json:"template"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("failed to decode request: %w", err)
	}
	return nil
}

// --- Handlers ---

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if err := a.config.Cloud.TestConnection(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "cloud": a.config.Cloud.Name()})
}

func (a *API) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": a.config.Version})
}

func (a *API) provision(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	requested, err := label.Parse(req.Label)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// Provision records the planned agents in the book
	planned := a.config.Cloud.ProvisionWithEnv(r.Context(), requested, req.Excess, req.Env)
	if req.Launch {
		for _, p := range planned {
			a.launch(p)
		}
	}

	writeJSON(w, http.StatusOK, ProvisionResponse{Agents: a.views(planned)})
}

func (a *API) views(planned []*agent.Planned) []AgentView {
	return lo.FilterMap(planned, func(p *agent.Planned, _ int) (AgentView, bool) {
		e, ok := a.config.Book.Get(p.Agent.Name)
		return agentView(e), ok
	})
}

// launch starts a planned agent in the background. Only the first launch has any effect.
func (a *API) launch(p *agent.Planned) {
	ctx := lo.Ternary(a.config.Context == nil, context.Background(), a.config.Context)
	a.launches.Add(1)
	go func() {
		defer a.launches.Done()
		p.Launch(ctx, a.config.Launcher)
	}()
}

func (a *API) listAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, lo.Map(a.config.Book.List(), func(e book.Entry, _ int) AgentView { return agentView(e) }))
}

func (a *API) getAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	e, ok := a.config.Book.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("agent '%s': %w", name, book.ErrUnknownAgent))
		return
	}
	writeJSON(w, http.StatusOK, agentView(e))
}

func (a *API) launchAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	p, ok := a.config.Book.Planned(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("agent '%s': %w", name, book.ErrUnknownAgent))
		return
	}
	a.launch(p)

	if r.URL.Query().Get("wait") != "true" {
		e, _ := a.config.Book.Get(name)
		writeJSON(w, http.StatusAccepted, LaunchResponse{Agent: agentView(e)})
		return
	}

	err := p.Wait(r.Context())
	e, _ := a.config.Book.Get(name)
	view := agentView(e)
	view.Name = name

	var launchErr *agent.LaunchError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, LaunchResponse{Agent: view})
	case errors.As(err, &launchErr):
		view.State = agent.StateFailed
		view.Reason = launchErr.Reason
		writeJSON(w, http.StatusBadGateway, LaunchResponse{Agent: view, Error: err.Error()})
	default:
		writeJSON(w, http.StatusGatewayTimeout, LaunchResponse{Agent: view, Error: err.Error()})
	}
}

func (a *API) updateStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	secret, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !a.config.Book.Authenticate(name, secret) {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid secret for agent '%s'", name))
		return
	}

	var update book.StatusUpdate
	if err := decode(r, &update); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.config.Book.UpdateStatus(name, update); err != nil {
		writeError(w, lo.Ternary(errors.Is(err, book.ErrUnknownAgent), http.StatusNotFound, http.StatusConflict), err)
		return
	}
	e, _ := a.config.Book.Get(name)
	writeJSON(w, http.StatusOK, agentView(e))
}

func (a *API) terminateAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := a.config.Book.Get(name); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("agent '%s': %w", name, book.ErrUnknownAgent))
		return
	}
	ag, ok := a.config.Book.MarkTerminating(name)
	if !ok {
		writeError(w, http.StatusConflict, fmt.Errorf("agent '%s' is already terminating", name))
		return
	}

	a.config.Terminator.Terminate(context.WithoutCancel(r.Context()), ag)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates := a.config.Cloud.AllTemplates()
	if q := r.URL.Query().Get("label"); q != "" {
		requested, err := label.Parse(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		templates = a.config.Cloud.TemplatesFor(requested)
	}
	writeJSON(w, http.StatusOK, templates)
}

func (a *API) addTemplate(w http.ResponseWriter, r *http.Request) {
	var t jobtemplate.JobTemplate
	if err := decode(r, &t); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.config.Cloud.AddTemplate(&t); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusCreated, &t)
}

func (a *API) removeTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !a.config.Cloud.RemoveTemplate(name) {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown template '%s'", name))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) enterBlock(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	block, err := a.config.Cloud.EnterBlock(req.JobTemplate.ForExecution(req.RunEnv))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	a.blocksMu.Lock()
	a.blocks[block.Template.Name] = block
	a.blocksMu.Unlock()

	writeJSON(w, http.StatusCreated, BlockResponse{Template: block.Template.Name})
}

func (a *API) exitBlock(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	a.blocksMu.Lock()
	block, ok := a.blocks[name]
	delete(a.blocks, name)
	a.blocksMu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown dynamic template '%s'", name))
		return
	}
	block.Exit(context.WithoutCancel(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}
