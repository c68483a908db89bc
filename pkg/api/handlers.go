// Package api exposes the brake over HTTP: staging and lifecycle routes per
// target, journal queries, and RFC 7807 problem responses throughout. The
// server translates wire shapes into brake calls; authorization itself stays
// in the brake.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/estop/pkg/audit"
	"github.com/Mindburn-Labs/estop/pkg/auth"
	"github.com/Mindburn-Labs/estop/pkg/brake"
	"github.com/Mindburn-Labs/estop/pkg/observability"
	"github.com/Mindburn-Labs/estop/pkg/permission"
	"github.com/Mindburn-Labs/estop/pkg/plan"
	"github.com/Mindburn-Labs/estop/pkg/policy"
	"github.com/Mindburn-Labs/estop/pkg/registry"
	"github.com/Mindburn-Labs/estop/pkg/replay"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20 // 1MB

// Journal is the read side of the event log the API serves. Both the
// in-memory journal and the SQLite journal satisfy it.
type Journal interface {
	QueryEvents(ctx context.Context, f audit.Filter) ([]*audit.Event, error)
	VerifyChain(ctx context.Context) error
	Head() string
	Seq() uint64
}

// Config carries the server's collaborators.
type Config struct {
	Brake   *brake.Brake
	Journal Journal // optional; nil disables the /v1/journal routes
	Logger  *slog.Logger
	Tracker *observability.Provider // optional
}

// Server is the HTTP surface over one brake.
type Server struct {
	brake   *brake.Brake
	journal Journal
	logger  *slog.Logger
	obs     *observability.Provider
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Brake == nil {
		return nil, errors.New("brake is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		brake:   cfg.Brake,
		journal: cfg.Journal,
		logger:  logger.With("component", "api"),
		obs:     cfg.Tracker,
	}, nil
}

// Routes builds the route table.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleReadiness)

	mux.HandleFunc("POST /v1/targets/{target}/plan", s.handlePlan)
	mux.HandleFunc("POST /v1/targets/{target}/add", s.handleAdd)
	mux.HandleFunc("POST /v1/targets/{target}/remove", s.handleRemove)
	mux.HandleFunc("POST /v1/targets/{target}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/targets/{target}/execute", s.handleExecute)
	mux.HandleFunc("POST /v1/targets/{target}/restore", s.handleRestore)
	mux.HandleFunc("POST /v1/targets/{target}/terminate", s.handleTerminate)

	mux.HandleFunc("GET /v1/targets", s.handleListTargets)
	mux.HandleFunc("GET /v1/targets/{target}", s.handleGetTarget)
	mux.HandleFunc("GET /v1/targets/{target}/permissions/{id}", s.handleGetPermission)

	if s.journal != nil {
		mux.HandleFunc("GET /v1/journal", s.handleJournalQuery)
		mux.HandleFunc("GET /v1/journal/verify", s.handleJournalVerify)
		mux.HandleFunc("GET /v1/journal/drift", s.handleJournalDrift)
	}

	return mux
}

// batchRequest is the wire form for staging operations: parallel arrays,
// zipped into permissions pairwise.
type batchRequest struct {
	Contacts     []string `json:"contacts"`
	Capabilities []string `json:"capabilities"`
}

// permissionView is one staged permission with its position in the plan.
type permissionView struct {
	Contact    string `json:"contact"`
	Capability string `json:"capability"`
	ID         string `json:"id"`
	Position   int    `json:"position"`
}

// targetView is a target's plan as the API reports it.
type targetView struct {
	Target      string           `json:"target"`
	State       string           `json:"state"`
	Total       int              `json:"total"`
	Permissions []permissionView `json:"permissions,omitempty"`
}

// journalView wraps a journal query result with the chain position it was
// read at.
type journalView struct {
	Events []*audit.Event `json:"events"`
	Count  int            `json:"count"`
	Head   string         `json:"head"`
	Seq    uint64         `json:"seq"`
}

// parseCapability accepts the 8-hex-digit wire form or a "name:" prefixed
// operation signature, which derives the capability the same way the
// registry does.
func parseCapability(s string) (permission.Capability, error) {
	if sig, ok := strings.CutPrefix(s, "name:"); ok {
		if sig == "" {
			return permission.Capability{}, fmt.Errorf("capability %q: empty signature", s)
		}
		return permission.CapabilityNamed(sig), nil
	}
	return permission.ParseCapability(s)
}

// permissionsFromRequest zips the parallel arrays into permissions.
func permissionsFromRequest(req batchRequest) ([]permission.Permission, error) {
	contacts := make([]uuid.UUID, 0, len(req.Contacts))
	for i, raw := range req.Contacts {
		contact, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("contacts[%d]: %w", i, err)
		}
		contacts = append(contacts, contact)
	}

	capabilities := make([]permission.Capability, 0, len(req.Capabilities))
	for i, raw := range req.Capabilities {
		capability, err := parseCapability(raw)
		if err != nil {
			return nil, fmt.Errorf("capabilities[%d]: %w", i, err)
		}
		capabilities = append(capabilities, capability)
	}

	return permission.Zip(contacts, capabilities)
}

// writeDomainError translates brake errors into problem responses. The
// mapping follows the brake's own check order: authorization, then state,
// then staging validation.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, brake.ErrAccessDenied):
		WriteErrorR(w, r, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, plan.ErrInvalidState),
		errors.Is(err, plan.ErrAlreadyPlanned),
		errors.Is(err, plan.ErrNotPlanned):
		WriteErrorR(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, brake.ErrNotHeld),
		errors.Is(err, registry.ErrNotAuthorized):
		// The registry disagrees with the plan: staged state and live roles
		// have drifted, or the service account lost its standing.
		WriteErrorR(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, plan.ErrRootCapability),
		errors.Is(err, policy.ErrGuardRejected):
		WriteErrorR(w, r, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
	default:
		WriteInternal(w, err)
	}
}

// track opens RED bookkeeping for one operation when telemetry is wired.
func (s *Server) track(ctx context.Context, op string, target, actor uuid.UUID) (context.Context, func(error)) {
	if s.obs == nil {
		return ctx, func(error) {}
	}
	return s.obs.TrackOperation(ctx, "estop."+op,
		observability.BrakeOperation(op, target.String(), actor.String())...)
}

// planGauge moves the active-plans gauge for operations that open or close
// a plan. before is the target's state when the request arrived.
func (s *Server) planGauge(ctx context.Context, op string, before plan.State) {
	if s.obs == nil {
		return
	}
	switch op {
	case "plan":
		s.obs.PlanOpened(ctx)
	case "add":
		if before == plan.Unplanned {
			s.obs.PlanOpened(ctx)
		}
	case "cancel", "terminate":
		s.obs.PlanClosed(ctx)
	}
}

// stage serves the three staging routes, which share the batch body shape.
func (s *Server) stage(w http.ResponseWriter, r *http.Request, op string,
	call func(ctx context.Context, actor, target uuid.UUID, perms []permission.Permission) error) {

	// 1. Identify target and actor. The actor comes from the token, never
	// from the body.
	target, err := uuid.Parse(r.PathValue("target"))
	if err != nil {
		WriteBadRequest(w, "invalid target id")
		return
	}
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}

	// 2. Decode and zip the batch.
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	perms, err := permissionsFromRequest(req)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	// 3. Apply and answer with the resulting plan view.
	before := s.brake.State(target)
	ctx, done := s.track(r.Context(), op, target, actor)
	err = call(ctx, actor, target, perms)
	done(err)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.planGauge(ctx, op, before)
	s.writeTarget(w, target)
}

// transition serves the bodyless lifecycle routes.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, op string,
	call func(ctx context.Context, actor, target uuid.UUID) error) {

	target, err := uuid.Parse(r.PathValue("target"))
	if err != nil {
		WriteBadRequest(w, "invalid target id")
		return
	}
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}

	before := s.brake.State(target)
	ctx, done := s.track(r.Context(), op, target, actor)
	err = call(ctx, actor, target)
	done(err)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.planGauge(ctx, op, before)
	s.writeTarget(w, target)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	s.stage(w, r, "plan", s.brake.Plan)
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	s.stage(w, r, "add", s.brake.Add)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	s.stage(w, r, "remove", s.brake.Remove)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "cancel", s.brake.Cancel)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "execute", s.brake.Execute)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "restore", s.brake.Restore)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "terminate", s.brake.Terminate)
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets := s.brake.Targets()
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = t.String()
	}
	sort.Strings(out)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"targets": out,
		"count":   len(out),
	})
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	target, err := uuid.Parse(r.PathValue("target"))
	if err != nil {
		WriteBadRequest(w, "invalid target id")
		return
	}
	s.writeTarget(w, target)
}

func (s *Server) handleGetPermission(w http.ResponseWriter, r *http.Request) {
	target, err := uuid.Parse(r.PathValue("target"))
	if err != nil {
		WriteBadRequest(w, "invalid target id")
		return
	}
	id, err := permission.ParseID(r.PathValue("id"))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	p := s.brake.IDToPermission(id)
	position, ok := s.brake.IndexOf(target, p)
	if !ok {
		WriteNotFound(w, fmt.Sprintf("permission %s is not staged for target %s", p, target))
		return
	}

	writeJSON(w, http.StatusOK, permissionView{
		Contact:    p.Contact.String(),
		Capability: p.Capability.String(),
		ID:         id.String(),
		Position:   position,
	})
}

// filterFromQuery builds a journal filter from query parameters.
func filterFromQuery(r *http.Request) (audit.Filter, error) {
	var f audit.Filter
	q := r.URL.Query()

	if raw := q.Get("target"); raw != "" {
		target, err := uuid.Parse(raw)
		if err != nil {
			return f, fmt.Errorf("target: %w", err)
		}
		f.Target = target
	}
	if raw := q.Get("kind"); raw != "" {
		f.Kind = audit.EventKind(raw)
	}
	if raw := q.Get("start_seq"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return f, fmt.Errorf("start_seq: %w", err)
		}
		f.StartSeq = v
	}
	if raw := q.Get("end_seq"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return f, fmt.Errorf("end_seq: %w", err)
		}
		f.EndSeq = v
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return f, fmt.Errorf("limit: must be a non-negative integer")
		}
		f.Limit = v
	}
	return f, nil
}

func (s *Server) handleJournalQuery(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	events, err := s.journal.QueryEvents(r.Context(), filter)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, journalView{
		Events: events,
		Count:  len(events),
		Head:   s.journal.Head(),
		Seq:    s.journal.Seq(),
	})
}

func (s *Server) handleJournalVerify(w http.ResponseWriter, r *http.Request) {
	if err := s.journal.VerifyChain(r.Context()); err != nil {
		WriteErrorR(w, r, http.StatusConflict, "Journal Verification Failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":   true,
		"seq":  s.journal.Seq(),
		"head": s.journal.Head(),
	})
}

// handleJournalDrift folds the full event stream back into plan snapshots and
// compares them with the live brake. Any disagreement means events were lost
// or state was mutated outside the brake.
//
// The journal and the brake are read without a shared lock, so a mutation
// landing between the two reads can masquerade as drift. One recheck filters
// that race out: real drift survives it.
func (s *Server) handleJournalDrift(w http.ResponseWriter, r *http.Request) {
	var drifts []replay.Drift
	for attempt := 0; attempt < 2; attempt++ {
		events, err := s.journal.QueryEvents(r.Context(), audit.Filter{})
		if err != nil {
			WriteInternal(w, err)
			return
		}

		snapshots, err := replay.Rebuild(events)
		if err != nil {
			WriteErrorR(w, r, http.StatusConflict, "Journal Reconstruction Failed", err.Error())
			return
		}

		drifts = replay.Diff(snapshots, s.brake)
		if len(drifts) == 0 {
			break
		}
	}
	if drifts == nil {
		drifts = []replay.Drift{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"consistent": len(drifts) == 0,
		"drifts":     drifts,
		"seq":        s.journal.Seq(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ready",
		"account": s.brake.Account().String(),
	})
}

// writeTarget answers with the target's current plan view.
func (s *Server) writeTarget(w http.ResponseWriter, target uuid.UUID) {
	perms := s.brake.Permissions(target)
	view := targetView{
		Target: target.String(),
		State:  s.brake.State(target).String(),
		Total:  len(perms),
	}
	if len(perms) > 0 {
		view.Permissions = make([]permissionView, len(perms))
		for i, p := range perms {
			view.Permissions[i] = permissionView{
				Contact:    p.Contact.String(),
				Capability: p.Capability.String(),
				ID:         p.ID().String(),
				Position:   i,
			}
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
