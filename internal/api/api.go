// Package api implements the coordinator's JSON-over-HTTP surface
// (spec §6) and the read-only Query Gateway (spec §4.8, §2). It follows
// the teacher's cmd/helm style of a plain net/http.ServeMux rather than
// pulling in a routing framework the teacher itself doesn't use
// (pkg/.../subsystems.go registers routes the same way).
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/partyvault/coordinator/internal/audit"
	"github.com/partyvault/coordinator/internal/coordinator"
	"github.com/partyvault/coordinator/internal/coordinatorerr"
	"github.com/partyvault/coordinator/internal/dataset"
	"github.com/partyvault/coordinator/internal/envelope"
	"github.com/partyvault/coordinator/internal/identity"
	"github.com/partyvault/coordinator/internal/orchestrator"
	"github.com/partyvault/coordinator/internal/proof"
)

// anonymous-eligible operations, named exactly as spec §6 lists them.
const (
	opListActiveParties      = "list_active_parties"
	opListProofs             = "list_proofs"
	opListRequestsPublicView = "list_requests_public_view"
)

// Server wires every domain component into HTTP handlers. It holds no
// state of its own beyond these references — the coordinator's process-
// wide state lives in the components (spec §9 "single owning container").
type Server struct {
	identity     *identity.Registry
	tokens       *identity.TokenManager
	envelopeSvc  *envelope.Service
	datasets     *dataset.Catalog
	machine      *coordinator.Machine
	orchestrator *orchestrator.Orchestrator
	proofs       *proof.Log
	auditLog     audit.Logger
	validator    *validator
	callerTTL    time.Duration
	minVersion   *semver.Version
}

// New constructs a Server. minAPIVersion is the lowest client-reported
// X-API-Version a caller may present (spec §6's version negotiation); an
// unparseable string disables the check, since a misconfigured floor
// must never take the whole API down.
func New(
	reg *identity.Registry,
	tokens *identity.TokenManager,
	envelopeSvc *envelope.Service,
	datasets *dataset.Catalog,
	machine *coordinator.Machine,
	orch *orchestrator.Orchestrator,
	proofs *proof.Log,
	auditLog audit.Logger,
	minAPIVersion string,
) *Server {
	s := &Server{
		identity:     reg,
		tokens:       tokens,
		envelopeSvc:  envelopeSvc,
		datasets:     datasets,
		machine:      machine,
		orchestrator: orch,
		proofs:       proofs,
		auditLog:     auditLog,
		validator:    newValidator(),
		callerTTL:    24 * time.Hour,
	}
	if v, err := semver.NewVersion(minAPIVersion); err == nil {
		s.minVersion = v
	}
	return s
}

// Handler returns the coordinator's HTTP handler, routed with Go 1.22's
// method+pattern ServeMux — no third-party router, matching the
// teacher's cmd/helm wiring style.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/auth/dev-token", s.handleDevToken) // local/dev bootstrap only
	mux.HandleFunc("POST /v1/parties", s.withCaller(s.handleRegisterParty))
	mux.HandleFunc("GET /v1/me", s.withCaller(s.handleGetIdentity))
	mux.HandleFunc("GET /v1/parties", s.withCaller(s.handleListParties))
	mux.HandleFunc("GET /v1/parties/active", s.withCaller(s.handleListActiveParties))

	mux.HandleFunc("GET /v1/keys/public", s.withCaller(s.handlePublicMaterial))
	mux.HandleFunc("POST /v1/keys/transport-encrypted", s.withCaller(s.handleTransportEncryptedKey))

	mux.HandleFunc("POST /v1/datasets", s.withCaller(s.handleUpload))
	mux.HandleFunc("GET /v1/datasets", s.withCaller(s.handleListAllDatasets))
	mux.HandleFunc("GET /v1/datasets/mine", s.withCaller(s.handleListMyDatasets))
	mux.HandleFunc("POST /v1/datasets/{id}/grant", s.withCaller(s.handleGrant))

	mux.HandleFunc("POST /v1/requests", s.withCaller(s.handleCreateRequest))
	mux.HandleFunc("GET /v1/requests", s.withCaller(s.handleListRequests))
	mux.HandleFunc("GET /v1/requests/public", s.withCaller(s.handleListRequestsPublicView))
	mux.HandleFunc("POST /v1/requests/{id}/vote", s.withCaller(s.handleVote))
	mux.HandleFunc("POST /v1/requests/{id}/execute", s.withCaller(s.handleExecute))
	mux.HandleFunc("POST /v1/requests/{id}/results", s.withCaller(s.handleSaveResults))

	mux.HandleFunc("GET /v1/proofs", s.withCaller(s.handleListProofs))
	mux.HandleFunc("GET /v1/requests/{id}/proof", s.withCaller(s.handleGenerateProof))

	return s.withMinVersion(mux)
}

// withMinVersion rejects callers reporting an X-API-Version older than
// the configured floor. Clients that omit the header are let through
// unversioned, matching older integrations that predate the check.
func (s *Server) withMinVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.minVersion == nil {
			next.ServeHTTP(w, r)
			return
		}
		raw := r.Header.Get("X-API-Version")
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		v, err := semver.NewVersion(raw)
		if err != nil {
			writeError(w, coordinatorerr.New(coordinatorerr.InvalidInput, "malformed X-API-Version header"))
			return
		}
		if v.LessThan(s.minVersion) {
			writeError(w, coordinatorerr.New(coordinatorerr.InvalidInput, "client API version below minimum supported"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerKey is the context key under which the resolved principal is
// stored for downstream handlers. An empty string means anonymous.
type callerKey struct{}

// withCaller extracts and validates the bearer token (if any), storing
// the resolved principal (possibly empty, i.e. anonymous) in the
// request context, then enforces the anonymous-allowlist (spec §6).
func (s *Server) withCaller(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := ""
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			if p, err := s.tokens.Validate(strings.TrimPrefix(h, "Bearer ")); err == nil {
				principal = p
			}
		}

		if principal == "" && !anonymousAllowed(r) {
			writeError(w, coordinatorerr.New(coordinatorerr.Unauthenticated, "bearer token required"))
			return
		}

		if principal != "" {
			_ = s.identity.Touch(r.Context(), principal)
		}

		ctx := context.WithValue(r.Context(), callerKey{}, principal)
		next(w, r.WithContext(ctx), principal)
	}
}

func anonymousAllowed(r *http.Request) bool {
	switch r.Pattern {
	case "GET /v1/parties/active", "GET /v1/proofs", "GET /v1/requests/public":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind, ok := coordinatorerr.KindOf(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, statusFor(kind), map[string]string{"kind": string(kind), "error": err.Error()})
}

func statusFor(kind coordinatorerr.Kind) int {
	switch kind {
	case coordinatorerr.Unauthenticated:
		return http.StatusUnauthorized
	case coordinatorerr.NotAuthorized:
		return http.StatusForbidden
	case coordinatorerr.NotRegistered, coordinatorerr.NotFound, coordinatorerr.HandleUnknown:
		return http.StatusNotFound
	case coordinatorerr.InvalidState, coordinatorerr.DuplicateVote, coordinatorerr.VoterNotInSet,
		coordinatorerr.InputTooLarge, coordinatorerr.InvalidInput, coordinatorerr.NameTooLong,
		coordinatorerr.AuthorizationInvalid, coordinatorerr.AuthorizationExpired, coordinatorerr.AlreadyExecuting:
		return http.StatusConflict
	case coordinatorerr.KdfUnavailable, coordinatorerr.OracleUnavailable, coordinatorerr.TemporarilyUnavailable:
		return http.StatusServiceUnavailable
	case coordinatorerr.IntegrityFailure:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
