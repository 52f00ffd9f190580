package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/batchchain/internal/chain"
	"github.com/mtzanidakis/batchchain/internal/delivery"
	"github.com/mtzanidakis/batchchain/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Chains
	mux.HandleFunc("GET /api/chains", s.listChains)
	mux.HandleFunc("POST /api/chains", s.createChain)
	mux.HandleFunc("GET /api/chains/{id}", s.getChain)
	mux.HandleFunc("GET /api/chains/{id}/activity", s.getChainActivity)

	// Requests
	mux.HandleFunc("GET /api/requests", s.listRequests)

	// Single-step jobs
	mux.HandleFunc("POST /api/jobs", s.createJob)
	mux.HandleFunc("GET /api/jobs/{id}", s.getJob)

	// Directory
	mux.HandleFunc("GET /api/departments", s.listDepartments)

	// Secrets
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("PUT /api/secrets/{id}", s.putSecret)
	mux.HandleFunc("DELETE /api/secrets/{id}", s.deleteSecret)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) createChain(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string     `json:"text"`
		Mode chain.Mode `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	c, err := s.chains.Create(r.Context(), chain.NewChain{Text: body.Text, Mode: body.Mode, Source: "web"})
	if err != nil {
		if errors.Is(err, chain.ErrEmptyText) || errors.Is(err, chain.ErrInvalidMode) {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	jsonStatus(w, http.StatusCreated, map[string]any{
		"id":         c.ID,
		"request_id": c.RequestID,
		"mode":       c.Mode,
		"stage":      c.Stage,
		"target_id":  c.TargetID,
	})
}

func (s *Server) listChains(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.store.ListChains(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		entry := map[string]any{
			"id":         rec.ID,
			"request_id": rec.RequestID,
			"mode":       rec.Mode,
			"stage":      rec.Stage,
			"target_id":  rec.TargetID,
			"cost":       rec.Cost,
			"created_at": formatTime(rec.CreatedAt),
			"updated_at": formatTime(rec.UpdatedAt),
		}
		if rec.CompletedAt != nil {
			entry["completed_at"] = formatTime(*rec.CompletedAt)
		}
		out = append(out, entry)
	}
	jsonResponse(w, out)
}

func (s *Server) getChain(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadChain(w, r.PathValue("id"))
	if !ok {
		return
	}

	out := map[string]any{
		"status":   chain.Describe(c),
		"text":     c.Text,
		"verdict":  c.Classify.Verdict,
		"batches":  c.AllBatches(),
		"metadata": c.Meta,
	}
	if c.Specialists != nil {
		out["specialists"] = c.Specialists.Results
	}
	if c.Synthesis != nil {
		out["synthesis"] = c.Synthesis.Results
		out["degraded"] = c.Synthesis.Degraded
	}
	if c.Stage.Terminal() {
		out["content"] = delivery.Format(c)
	}
	jsonResponse(w, out)
}

func (s *Server) getChainActivity(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadChain(w, r.PathValue("id"))
	if !ok {
		return
	}
	entries, err := s.store.GetActivity(c.ID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []store.Activity{}
	}
	jsonResponse(w, entries)
}

func (s *Server) loadChain(w http.ResponseWriter, id string) (*chain.Chain, bool) {
	c, err := s.chains.Get(id)
	if errors.Is(err, chain.ErrNotFound) {
		jsonError(w, "chain not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return c, true
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	requests, err := s.store.ListRequests(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if requests == nil {
		requests = []store.Request{}
	}
	jsonResponse(w, requests)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
		Prompt  string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.AgentID == "" || body.Prompt == "" {
		jsonError(w, "agent_id and prompt are required", http.StatusBadRequest)
		return
	}

	j, err := s.chains.SubmitJob(r.Context(), body.AgentID, body.Prompt)
	if err != nil && j == nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	// A rejected submission still yields a stored, failed job.
	jsonStatus(w, http.StatusCreated, j)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.chains.GetJob(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if j == nil {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, j)
}

func (s *Server) listDepartments(w http.ResponseWriter, r *http.Request) {
	descs := s.dir.Descriptions()
	out := make([]map[string]any, 0)
	for _, dep := range s.dir.DepartmentTable() {
		head, _ := s.dir.Resolve(dep.ID)
		out = append(out, map[string]any{
			"id":          dep.ID,
			"name":        head.Name,
			"description": descs[dep.ID],
			"model":       head.Model,
			"keywords":    dep.Keywords,
			"specialists": dep.Specialists,
			"fallback":    dep.ID == s.dir.Fallback(),
		})
	}
	jsonResponse(w, out)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	active, _ := s.store.ListNonTerminalChains()
	pendingJobs, _ := s.store.ListPendingJobs()

	stages := make(map[string]int)
	for _, rec := range active {
		stages[rec.Stage]++
	}

	var providers []string
	if s.providers != nil {
		providers = s.providers.Providers()
	}
	natsStatus := "disabled"
	if s.nats != nil {
		natsStatus = "ok"
	}

	jsonResponse(w, map[string]any{
		"status":        "ok",
		"active_chains": len(active),
		"stages":        stages,
		"pending_jobs":  len(pendingJobs),
		"providers":     providers,
		"ws_clients":    s.hub.Len(),
		"nats":          natsStatus,
		"uptime":        formatUptime(time.Since(s.startedAt)),
		"timestamp":     time.Now().UTC(),
		"version":       s.version,
	})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	jsonStatus(w, http.StatusOK, data)
}

func jsonStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
