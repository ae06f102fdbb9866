package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/phasegate/phasegate/internal/config"
	"github.com/phasegate/phasegate/internal/eventbus"
	"github.com/phasegate/phasegate/internal/gate"
	"github.com/phasegate/phasegate/internal/pushsubscription"
	"github.com/phasegate/phasegate/internal/status"
	"github.com/phasegate/phasegate/internal/workflow"
	"github.com/phasegate/phasegate/pkg/cerr"
	"github.com/phasegate/phasegate/pkg/clog"
)

// Server exposes the status API consumed by the dashboard's polling loop
// and the gate decision endpoint. net/http serves every request on its own
// goroutine, so one slow read never delays another poller.
type Server struct {
	server    *http.Server
	env       *config.BaseEnv
	pushEnv   *config.PushEnv
	statusSvc *status.Service
	gates     *gate.Controller
	subs      pushsubscription.Repository
	bus       *eventbus.Bus
	logger    *slog.Logger
}

func NewServer(
	env *config.BaseEnv,
	pushEnv *config.PushEnv,
	statusSvc *status.Service,
	gates *gate.Controller,
	subs pushsubscription.Repository,
	bus *eventbus.Bus,
	logger *slog.Logger,
) *Server {
	return &Server{
		env:       env,
		pushEnv:   pushEnv,
		statusSvc: statusSvc,
		gates:     gates,
		subs:      subs,
		bus:       bus,
		logger:    logger,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(
			clog.SlogChiMiddleware(),
			cerr.NewJSONResponseChiMiddleware(),
		)
		r.Get("/status", s.handleStatus)
		r.Post("/gate-decision", s.handleGateDecision)
		r.Post("/push-subscriptions", s.handleCreateSubscription)
		r.Delete("/push-subscriptions", s.handleDeleteSubscription)
		r.Get("/push-public-key", s.handlePushPublicKey)
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			cerr.SetNewJSONError(r.Context(), cerr.NotFound, "not found", nil)
		})
	})

	mux := http.NewServeMux()
	mux.Handle("/health", &HealthChecker{})
	mux.Handle("/api/", r)

	return h2c.NewHandler(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(mux), &http2.Server{})
}

// ListenAndServe starts the HTTP server. The context is the base context of
// every request, so cancelling it on shutdown also cancels in-flight
// handlers.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	s.logger.InfoContext(ctx, "starting server", slog.String("addr", addr))

	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type HealthChecker struct{}

func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func modeFromRequest(r *http.Request) (workflow.Mode, error) {
	return workflow.ParseMode(r.URL.Query().Get("mode"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mode, err := modeFromRequest(r)
	if err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, err.Error(), nil)
		return
	}
	snap, err := s.statusSvc.Snapshot(ctx, mode)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, snap)
}

type gateDecisionRequest struct {
	DecisionType  string `json:"decision_type"`
	Modifications string `json:"modifications,omitempty"`
}

type gateDecisionResponse struct {
	Applied  string           `json:"applied"`
	Gate     string           `json:"gate"`
	Snapshot *status.Snapshot `json:"snapshot"`
}

func (s *Server) handleGateDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mode, err := modeFromRequest(r)
	if err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, err.Error(), nil)
		return
	}

	var req gateDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}

	snap, err := s.statusSvc.Snapshot(ctx, mode)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	var kind workflow.GateKind
	if snap.ActiveGate != nil {
		kind = snap.ActiveGate.Kind
	} else {
		// A decision may race with another client. Resolve the kind from the
		// decision type so the controller can report an already-decided gate
		// instead of masking it as "no gate awaiting".
		var ok bool
		kind, ok = gateKindForDecision(ctx, s.gates, mode, req.DecisionType)
		if !ok {
			cerr.SetNewJSONError(ctx, cerr.FailedPrecondition, "no gate is awaiting a decision", nil)
			return
		}
	}

	g, err := s.gates.Decide(ctx, mode, kind, req.DecisionType, req.Modifications)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	s.bus.PublishNew(eventbus.EventGateDecided, mode, string(g.Kind), g.Decision, nil)
	s.statusSvc.Invalidate()

	fresh, err := s.statusSvc.Snapshot(ctx, mode)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, &gateDecisionResponse{
		Applied:  g.Decision,
		Gate:     string(g.Kind),
		Snapshot: fresh,
	})
}

// gateKindForDecision maps a decision type back to the gate it belongs to,
// requiring an existing gate record. retry-explorer is valid at both gates,
// so the record presence disambiguates it.
func gateKindForDecision(ctx context.Context, gates *gate.Controller, mode workflow.Mode, decision string) (workflow.GateKind, bool) {
	for _, kind := range []workflow.GateKind{workflow.GateCompletion, workflow.GateCriteria} {
		if !slices.Contains(kind.Options(), decision) {
			continue
		}
		gs, err := gates.Status(ctx, mode, kind)
		if err != nil || !gs.Present {
			continue
		}
		return kind, true
	}
	return "", false
}

type subscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "endpoint and keys are required", nil)
		return
	}

	sub := &pushsubscription.Subscription{
		ID:        ulid.Make().String(),
		Endpoint:  req.Endpoint,
		P256dhKey: req.Keys.P256dh,
		AuthKey:   req.Keys.Auth,
		CreatedAt: time.Now(),
	}
	if err := s.subs.Create(ctx, sub); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]string{"id": sub.ID})
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "endpoint is required", nil)
		return
	}
	if err := s.subs.DeleteByEndpoint(ctx, endpoint); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]string{"deleted": endpoint})
}

func (s *Server) handlePushPublicKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.pushEnv.VAPIDPublicKey == "" {
		cerr.SetNewJSONError(ctx, cerr.NotFound, "push notifications are not configured", nil)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]string{"publicKey": s.pushEnv.VAPIDPublicKey})
}
