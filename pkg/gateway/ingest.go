package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/meshforge/pkg/api"
	"github.com/Mindburn-Labs/meshforge/pkg/auth"
	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
	"github.com/Mindburn-Labs/meshforge/pkg/observability"
	"github.com/Mindburn-Labs/meshforge/pkg/policy"
)

type ingestResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// handleIngest admits one envelope into the runtime.
// POST /v1/envelopes
//
// Admission order: schema -> decode -> principal stamp -> semantic
// validation -> tenant/workspace match -> policy gate -> dispatch.
// The authenticated principal always overwrites the client-sent
// security context; clients cannot claim an identity the token does
// not prove.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	start := time.Now()
	accepted := false
	defer func() {
		s.recordIngestSLO(time.Since(start), accepted)
	}()

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.WriteError(w, http.StatusRequestEntityTooLarge, "Payload Too Large",
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		api.WriteBadRequest(w, "unreadable request body")
		return
	}

	if err := envelope.ValidateJSON(raw); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	env, err := envelope.Decode(raw)
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}

	ctx := r.Context()
	principal, err := auth.GetPrincipal(ctx)
	if err != nil {
		api.WriteUnauthorized(w, "")
		return
	}
	env.SecurityContext = principal.SecurityContext()
	if env.CorrelationID == "" {
		env.CorrelationID = auth.GetRequestID(ctx)
	}

	if verr := env.Validate().Err(); verr != nil {
		api.WriteUnprocessable(w, verr.Error())
		return
	}

	if principal.Tenant != env.Tenant {
		s.deny(principal, env, "tenant mismatch")
		api.WriteForbidden(w, "envelope tenant does not match token tenant")
		return
	}
	if principal.Workspace != "" && principal.Workspace != env.Workspace {
		s.deny(principal, env, "workspace mismatch")
		api.WriteForbidden(w, "envelope workspace does not match token workspace")
		return
	}

	if s.gate != nil {
		if ok, gerr := s.gate.Allow(env); !ok {
			detail := "denied by policy"
			if errors.Is(gerr, policy.ErrDenied) {
				detail = gerr.Error()
			} else {
				s.logger.Error("policy evaluation failed", "envelope_id", env.ID, "error", gerr)
			}
			s.deny(principal, env, detail)
			api.WriteForbidden(w, detail)
			return
		}
	}

	ctx, done := s.track(ctx, "gateway.ingest",
		observability.EnvelopeOperation(env.ID, env.Type, env.Tenant, env.Workspace)...)
	if env.IsCommand() {
		err = s.router.Route(ctx, env)
	} else {
		err = s.bus.Publish(ctx, env)
	}
	done(err)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	accepted = true
	s.recordTimeline(observability.TimelineEntry{
		Kind:          observability.KindIngest,
		CorrelationID: env.CorrelationID,
		Tenant:        env.Tenant,
		Workspace:     env.Workspace,
		Actor:         principal.ID,
		Summary:       env.Type,
		Details: map[string]any{
			"envelope_id": env.ID,
			"type":        env.Type,
			"command":     env.IsCommand(),
		},
	})
	s.logger.Debug("envelope accepted",
		"envelope_id", env.ID,
		"type", env.Type,
		"tenant", env.Tenant,
		"workspace", env.Workspace,
	)
	writeJSON(w, http.StatusAccepted, ingestResponse{ID: env.ID, Status: "accepted"})
}

func (s *Server) deny(p *auth.Principal, env *envelope.Envelope, reason string) {
	s.logger.Warn("envelope denied",
		"envelope_id", env.ID,
		"type", env.Type,
		"tenant", env.Tenant,
		"principal", p.ID,
		"reason", reason,
	)
	s.recordTimeline(observability.TimelineEntry{
		Kind:          observability.KindDenied,
		CorrelationID: env.CorrelationID,
		Tenant:        env.Tenant,
		Workspace:     env.Workspace,
		Actor:         p.ID,
		Summary:       reason,
		Details: map[string]any{
			"envelope_id": env.ID,
			"type":        env.Type,
			"reason":      reason,
		},
	})
}
