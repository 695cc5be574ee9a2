package gateway

import (
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/meshforge/pkg/adapter"
	"github.com/Mindburn-Labs/meshforge/pkg/api"
	"github.com/Mindburn-Labs/meshforge/pkg/auth"
	"github.com/Mindburn-Labs/meshforge/pkg/engine"
)

type agentStateResponse struct {
	AgentID   string             `json:"agent_id"`
	Tenant    string             `json:"tenant"`
	Workspace string             `json:"workspace"`
	State     adapter.AgentState `json:"state"`
}

// handleAgents serves agent snapshots.
// GET /v1/agents/{id}/state
// GET /v1/agents/{id}/hash
//
// Reads are tenant-scoped: a token may only read agents in its own
// tenant.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/agents/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		api.WriteNotFound(w, "expected /v1/agents/{id}/state or /v1/agents/{id}/hash")
		return
	}
	agentID, resource := parts[0], parts[1]

	eng := s.engine(agentID)
	if eng == nil {
		api.WriteNotFound(w, "agent not registered: "+agentID)
		return
	}

	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, "")
		return
	}
	if principal.Tenant != eng.Tenant() {
		api.WriteForbidden(w, "agent belongs to another tenant")
		return
	}

	switch resource {
	case "state":
		writeJSON(w, http.StatusOK, agentStateResponse{
			AgentID:   eng.AgentID(),
			Tenant:    eng.Tenant(),
			Workspace: eng.Workspace(),
			State:     eng.State(),
		})
	case "hash":
		hash, err := eng.StateHash()
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"agent_id": eng.AgentID(),
			"hash":     hash,
		})
	default:
		api.WriteNotFound(w, "unknown agent resource: "+resource)
	}
}

type healthResponse struct {
	Status  string                          `json:"status"`
	Engines int                             `json:"engines"`
	Agents  map[string]adapter.HealthStatus `json:"agents"`
}

// handleHealthz aggregates adapter health. Public endpoint.
// GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}

	engines := s.allEngines()
	resp := healthResponse{
		Status:  "ok",
		Engines: len(engines),
		Agents:  make(map[string]adapter.HealthStatus, len(engines)),
	}
	for _, eng := range engines {
		h := eng.Health()
		resp.Agents[eng.AgentID()] = h
		if h != adapter.HealthReady {
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handleMetricsSnapshot returns engine counters for the caller's tenant.
// GET /metrics/snapshot
func (s *Server) handleMetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}

	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, "")
		return
	}

	agents := make(map[string]engine.MetricsSnapshot)
	for _, eng := range s.allEngines() {
		if eng.Tenant() != principal.Tenant {
			continue
		}
		agents[eng.AgentID()] = eng.Metrics()
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// handleVersion reports the build version. Public endpoint.
// GET /version
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
