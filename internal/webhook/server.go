// Package webhook exposes the HTTP surface: inbound adapter endpoints and
// the operator API for events, runs, executions, audit and schedules.
package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/astralisone/astralis-nextjs-sub001/internal/adapter"
	"github.com/astralisone/astralis-nextjs-sub001/internal/agent"
	"github.com/astralisone/astralis-nextjs-sub001/internal/bus"
	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/execlog"
	"github.com/astralisone/astralis-nextjs-sub001/internal/metrics"
	"github.com/astralisone/astralis-nextjs-sub001/internal/scheduler"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// Options wires the server to the running components. Nil components
// disable the routes that need them (they answer 503).
type Options struct {
	Forms  *adapter.Webhook
	Email  *adapter.Email
	Worker *adapter.Worker
	DB     *adapter.DBTrigger

	Bus       *bus.Bus
	ExecLog   *execlog.Log
	Agent     *agent.Coordinator
	Audit     types.AuditStore
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Metrics

	// Secret enables HMAC verification of inbound webhook bodies.
	Secret string
}

type Server struct {
	opts   Options
	router chi.Router
	Now    func() time.Time
}

func NewServer(opts Options) *Server {
	s := &Server{opts: opts, Now: time.Now}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(verifySignature(opts.Secret))
		r.Post("/forms/{formID}", s.handleForm)
		r.Post("/email", s.handleEmail)
		r.Post("/worker", s.handleWorker)
		r.Post("/db", s.handleDB)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/events", s.handleEvents)
		r.Post("/events/{id}/replay", s.handleReplay)
		r.Get("/executions", s.handleExecutions)
		r.Get("/stats", s.handleStats)
		r.Get("/runs", s.handleRuns)
		r.Get("/runs/{id}", s.handleRun)
		r.Post("/runs/{id}/approve", s.handleApprove)
		r.Post("/runs/{id}/reject", s.handleReject)
		r.Get("/audit", s.handleAudit)
		r.Get("/schedules", s.handleSchedules)
		r.Delete("/schedules/{id}", s.handleCancelSchedule)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   s.Now().UTC(),
	})
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, "unavailable", what+" not configured")
}

// writeResult answers an adapter call: accepted 202, filtered 200,
// rejected 400, failed 500.
func writeResult(w http.ResponseWriter, res adapter.ProcessingResult) {
	status := http.StatusInternalServerError
	switch res.Status {
	case adapter.StatusAccepted:
		status = http.StatusAccepted
	case adapter.StatusFiltered:
		status = http.StatusOK
	case adapter.StatusRejected:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res)
}

func (s *Server) handleForm(w http.ResponseWriter, r *http.Request) {
	if s.opts.Forms == nil {
		unavailable(w, "form adapter")
		return
	}
	sub, err := decodeForm(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	sub.FormID = chi.URLParam(r, "formID")
	if sub.RemoteAddr == "" {
		sub.RemoteAddr = r.RemoteAddr
	}
	if sub.Referrer == "" {
		sub.Referrer = r.Referer()
	}
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = s.Now()
	}
	writeResult(w, s.opts.Forms.HandleInput(r.Context(), sub))
}

// decodeForm accepts a FormSubmission envelope, a bare JSON object of
// fields, or an urlencoded form body.
func decodeForm(r *http.Request) (adapter.FormSubmission, error) {
	var sub adapter.FormSubmission
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return sub, errs.Validation("webhook.form", "invalid form body: %v", err)
		}
		sub.Fields = formFields(r.PostForm)
		return sub, nil
	}

	var raw map[string]json.RawMessage
	if err := decodeJSON(r, &raw); err != nil {
		return sub, err
	}
	if _, ok := raw["fields"]; !ok {
		sub.Fields = make(map[string]any, len(raw))
		for k, v := range raw {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return sub, errs.Validation("webhook.form", "field %s: %v", k, err)
			}
			sub.Fields[k] = val
		}
		return sub, nil
	}
	b, _ := json.Marshal(raw)
	if err := json.Unmarshal(b, &sub); err != nil {
		return sub, errs.Validation("webhook.form", "invalid submission: %v", err)
	}
	return sub, nil
}

func formFields(v url.Values) map[string]any {
	fields := make(map[string]any, len(v))
	for k, vals := range v {
		if len(vals) == 1 {
			fields[k] = vals[0]
			continue
		}
		list := make([]any, len(vals))
		for i, s := range vals {
			list[i] = s
		}
		fields[k] = list
	}
	return fields
}

func (s *Server) handleEmail(w http.ResponseWriter, r *http.Request) {
	if s.opts.Email == nil {
		unavailable(w, "email adapter")
		return
	}
	var msg adapter.EmailMessage
	if err := decodeJSON(r, &msg); err != nil {
		writeErr(w, err)
		return
	}
	writeResult(w, s.opts.Email.HandleInput(r.Context(), msg))
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	if s.opts.Worker == nil {
		unavailable(w, "worker adapter")
		return
	}
	var ev adapter.JobEvent
	if err := decodeJSON(r, &ev); err != nil {
		writeErr(w, err)
		return
	}
	writeResult(w, s.opts.Worker.HandleInput(r.Context(), ev))
}

func (s *Server) handleDB(w http.ResponseWriter, r *http.Request) {
	if s.opts.DB == nil {
		unavailable(w, "db trigger adapter")
		return
	}
	var ev adapter.ChangeEvent
	if err := decodeJSON(r, &ev); err != nil {
		writeErr(w, err)
		return
	}
	writeResult(w, s.opts.DB.HandleInput(r.Context(), ev))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Bus == nil {
		unavailable(w, "event bus")
		return
	}
	events := s.opts.Bus.History(queryInt(r, "limit", 100))
	if events == nil {
		events = []bus.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if s.opts.Bus == nil {
		unavailable(w, "event bus")
		return
	}
	res, err := s.opts.Bus.Replay(context.WithoutCancel(r.Context()), types.EventID(chi.URLParam(r, "id")))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if s.opts.ExecLog == nil {
		unavailable(w, "execution log")
		return
	}
	entries := s.opts.ExecLog.Recent(queryInt(r, "limit", 50))
	if entries == nil {
		entries = []execlog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type statsResponse struct {
	Executions       *execlog.Stats  `json:"executions,omitempty"`
	Adapters         []adapter.Stats `json:"adapters"`
	PendingApprovals int             `json:"pending_approvals"`
	ScheduledJobs    int             `json:"scheduled_jobs"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Adapters: []adapter.Stats{}}
	if s.opts.ExecLog != nil {
		st := s.opts.ExecLog.Stats()
		resp.Executions = &st
	}
	for _, a := range s.reporters() {
		resp.Adapters = append(resp.Adapters, a.Stats())
	}
	if s.opts.Agent != nil {
		resp.PendingApprovals = len(s.opts.Agent.Awaiting())
	}
	if s.opts.Scheduler != nil {
		resp.ScheduledJobs = len(s.opts.Scheduler.Pending())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) reporters() []adapter.StatsReporter {
	var out []adapter.StatsReporter
	if s.opts.Forms != nil {
		out = append(out, s.opts.Forms)
	}
	if s.opts.Email != nil {
		out = append(out, s.opts.Email)
	}
	if s.opts.Worker != nil {
		out = append(out, s.opts.Worker)
	}
	if s.opts.DB != nil {
		out = append(out, s.opts.DB)
	}
	return out
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.opts.Agent == nil {
		unavailable(w, "agent")
		return
	}
	runs := s.opts.Agent.Awaiting()
	if runs == nil {
		runs = []*agent.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Agent == nil {
		unavailable(w, "agent")
		return
	}
	id := chi.URLParam(r, "id")
	run, ok := s.opts.Agent.Get(types.RunID(id))
	if !ok {
		writeErr(w, errs.NotFound("webhook.run", "run %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type reviewRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) review(r *http.Request) (reviewRequest, error) {
	var req reviewRequest
	if err := decodeJSON(r, &req); err != nil {
		return req, err
	}
	if strings.TrimSpace(req.Approver) == "" {
		return req, errs.Validation("webhook.review", "approver is required")
	}
	return req, nil
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if s.opts.Agent == nil {
		unavailable(w, "agent")
		return
	}
	req, err := s.review(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	// Executing the actions outlives the HTTP request.
	run, err := s.opts.Agent.Approve(context.WithoutCancel(r.Context()), types.RunID(chi.URLParam(r, "id")), req.Approver)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if s.opts.Agent == nil {
		unavailable(w, "agent")
		return
	}
	req, err := s.review(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	run, err := s.opts.Agent.Reject(r.Context(), types.RunID(chi.URLParam(r, "id")), req.Approver, req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.opts.Audit == nil {
		unavailable(w, "audit log")
		return
	}
	q := r.URL.Query()
	var (
		entries []*types.AuditLogEntry
		err     error
	)
	if et, id := q.Get("entity_type"), q.Get("entity_id"); et != "" || id != "" {
		if et == "" || id == "" {
			writeErr(w, errs.Validation("webhook.audit", "entity_type and entity_id go together"))
			return
		}
		entries, err = s.opts.Audit.ForEntity(r.Context(), et, id)
	} else {
		entries, err = s.opts.Audit.Tail(r.Context(), queryInt(r, "limit", 50))
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []*types.AuditLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type scheduleView struct {
	ID            types.ScheduleID    `json:"id"`
	Kind          string              `json:"kind"`
	RunAt         time.Time           `json:"run_at"`
	CorrelationID types.CorrelationID `json:"correlation_id,omitempty"`
	OrgID         string              `json:"org_id,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if s.opts.Scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	jobs := s.opts.Scheduler.Pending()
	out := make([]scheduleView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, scheduleView{
			ID:            j.ID,
			Kind:          j.Kind,
			RunAt:         j.RunAt,
			CorrelationID: j.CorrelationID,
			OrgID:         j.OrgID,
			CreatedAt:     j.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	if s.opts.Scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	if err := s.opts.Scheduler.Cancel(types.ScheduleID(chi.URLParam(r, "id"))); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
