// Package api is the HTTP surface over the swarm controller: instance
// CRUD and lifecycle, command execution, log streaming and the migration
// endpoints.
package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/devswarm/backend/internal/auth"
	"github.com/devswarm/backend/internal/instance"
	"github.com/devswarm/backend/internal/migration"
	"github.com/devswarm/backend/internal/swarm"
)

type Server struct {
	router   *chi.Mux
	swarm    *swarm.Controller
	auth     *auth.Authenticator
	origins  []string
	upgrader websocket.Upgrader
}

func NewServer(ctrl *swarm.Controller, authn *auth.Authenticator, corsOrigins []string) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		swarm:   ctrl,
		auth:    authn,
		origins: corsOrigins,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/providers", s.listProviders)

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", s.listInstances)
			r.Post("/", s.createInstance)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getInstance)
				r.Put("/", s.updateInstance)
				r.Delete("/", s.deleteInstance)
				r.Post("/start", s.startInstance)
				r.Post("/stop", s.stopInstance)
				r.Post("/exec", s.execCommand)
				r.Get("/logs", s.getLogs)
			})
		})

		r.Route("/migrations", func(r chi.Router) {
			r.Get("/", s.listMigrations)
			r.Post("/", s.createMigration)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getMigration)
				r.Post("/start", s.startMigration)
				r.Post("/cancel", s.cancelMigration)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.auth.Middleware)
			r.Get("/summary", s.adminSummary)
		})
	})
}

// Instance handlers

func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": s.swarm.Providers()})
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	filter := filterFromQuery(r)
	instances, err := s.swarm.ListInstances(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]*instance.Instance, 0, len(instances))
	for _, inst := range instances {
		out = append(out, redact(inst))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instances": out, "total": len(out)})
}

func (s *Server) createInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProviderType instance.ProviderType   `json:"provider_type"`
		Config       instance.InstanceConfig `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	inst, err := s.swarm.CreateInstance(r.Context(), req.ProviderType, req.Config)
	if err != nil {
		if inst != nil {
			// Provisioning failed but the record exists; surface both.
			writeJSON(w, statusForCode(instance.CodeOf(err)), map[string]interface{}{
				"instance": redact(inst),
				"error":    err.Error(),
				"code":     instance.CodeOf(err),
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"instance": redact(inst)})
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.swarm.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instance": redact(inst)})
}

func (s *Server) updateInstance(w http.ResponseWriter, r *http.Request) {
	var partial instance.InstanceConfig
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	inst, err := s.swarm.UpdateInstance(r.Context(), chi.URLParam(r, "id"), partial)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instance": redact(inst)})
}

func (s *Server) deleteInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.swarm.DeleteInstance(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) startInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.swarm.StartInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instance": redact(inst)})
}

func (s *Server) stopInstance(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	inst, err := s.swarm.StopInstance(r.Context(), chi.URLParam(r, "id"), force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instance": redact(inst)})
}

func (s *Server) execCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command []string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Command) == 0 {
		http.Error(w, "command is required", http.StatusBadRequest)
		return
	}

	res, err := s.swarm.ExecuteCommand(r.Context(), chi.URLParam(r, "id"), req.Command)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()

	opts := instance.LogOptions{Follow: q.Get("follow") == "true"}
	if lines := q.Get("lines"); lines != "" {
		n, err := strconv.Atoi(lines)
		if err != nil {
			http.Error(w, "invalid lines parameter", http.StatusBadRequest)
			return
		}
		opts.Lines = n
	}
	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			http.Error(w, "invalid since parameter", http.StatusBadRequest)
			return
		}
		opts.Since = ts
	}

	logs, err := s.swarm.GetInstanceLogs(r.Context(), id, opts)
	if err != nil {
		writeError(w, err)
		return
	}

	if opts.Follow && logs.Stream != nil {
		s.streamLogs(w, r, logs)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"instance_id": logs.InstanceID, "content": logs.Content})
}

// streamLogs upgrades to a websocket and relays log lines until either
// side goes away.
func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request, logs *instance.InstanceLogs) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Stream.Close()
		return
	}
	defer conn.Close()
	defer logs.Stream.Close()

	// Drop the connection when the client goes away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				logs.Stream.Close()
				return
			}
		}
	}()

	scanner := bufio.NewScanner(logs.Stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := conn.WriteMessage(websocket.TextMessage, scanner.Bytes()); err != nil {
			return
		}
	}
}

// Migration handlers

func (s *Server) listMigrations(w http.ResponseWriter, r *http.Request) {
	status := migration.PlanStatus(r.URL.Query().Get("status"))
	plans, err := s.swarm.ListMigrations(status)
	if err != nil {
		writeError(w, err)
		return
	}
	if plans == nil {
		plans = []*migration.MigrationPlan{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"migrations": plans, "total": len(plans)})
}

func (s *Server) createMigration(w http.ResponseWriter, r *http.Request) {
	var req migration.PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res := s.swarm.PlanMigration(r.Context(), req)
	if !res.Success {
		writeJSON(w, statusForCode(res.Code), res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) getMigration(w http.ResponseWriter, r *http.Request) {
	plan, err := s.swarm.MigrationStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"migration": plan})
}

// startMigration drives the plan to a terminal status before responding;
// migrations are operator-initiated and the result carries the full
// step-by-step outcome.
func (s *Server) startMigration(w http.ResponseWriter, r *http.Request) {
	res := s.swarm.StartMigration(r.Context(), chi.URLParam(r, "id"))
	if !res.Success {
		writeJSON(w, statusForCode(res.Code), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) cancelMigration(w http.ResponseWriter, r *http.Request) {
	res := s.swarm.CancelMigration(r.Context(), chi.URLParam(r, "id"))
	if !res.Success {
		writeJSON(w, statusForCode(res.Code), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Admin handlers

func (s *Server) adminSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.swarm.Summary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Helpers

func filterFromQuery(r *http.Request) instance.Filter {
	q := r.URL.Query()
	var filter instance.Filter

	for _, p := range splitList(q.Get("provider")) {
		filter.Providers = append(filter.Providers, instance.ProviderType(p))
	}
	for _, st := range splitList(q.Get("status")) {
		filter.Statuses = append(filter.Statuses, instance.Status(st))
	}
	filter.NamePattern = q.Get("name")
	if v := q.Get("created_after"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.CreatedAfter = &ts
		}
	}
	if v := q.Get("created_before"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.CreatedBefore = &ts
		}
	}
	// label=key=value, repeatable; all pairs must match.
	for _, kv := range q["label"] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		if filter.Labels == nil {
			filter.Labels = map[string]string{}
		}
		filter.Labels[k] = v
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	return filter
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// redact strips key material that must never leave the backend.
func redact(inst *instance.Instance) *instance.Instance {
	if inst.Config.SSH.PrivateKey == "" {
		return inst
	}
	out := *inst
	out.Config = inst.Config.Clone()
	out.Config.SSH.PrivateKey = ""
	return &out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := instance.CodeOf(err)
	writeJSON(w, statusForCode(code), map[string]interface{}{"error": err.Error(), "code": code})
}

func statusForCode(code instance.ErrorCode) int {
	switch code {
	case instance.ErrNotFound:
		return http.StatusNotFound
	case instance.ErrInvalidState, instance.ErrCapabilityUnsupported:
		return http.StatusBadRequest
	case instance.ErrTimeout:
		return http.StatusGatewayTimeout
	case instance.ErrPersistenceFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}
