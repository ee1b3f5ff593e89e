package api

import (
	"encoding/json"
	"net/http"

	"github.com/partyvault/coordinator/internal/audit"
	"github.com/partyvault/coordinator/internal/canonical"
	"github.com/partyvault/coordinator/internal/coordinator"
	"github.com/partyvault/coordinator/internal/coordinatorerr"
)

// handleDevToken mints a bearer token for a principal the caller
// supplies directly. Stands in for the external authentication
// provider spec §1 treats as out of scope — a real deployment would
// remove this route and consume tokens minted upstream.
func (s *Server) handleDevToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Principal string `json:"principal"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Principal == "" {
		writeError(w, coordinatorerr.New(coordinatorerr.InvalidInput, "principal required"))
		return
	}
	tok, err := s.tokens.Issue(body.Principal, s.callerTTL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": tok})
}

func (s *Server) handleRegisterParty(w http.ResponseWriter, r *http.Request, caller string) {
	var body registerPartyRequest
	if err := decodeAndValidate(r, &body, s.validator.registerParty); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.identity.Register(r.Context(), caller, body.Name, body.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = s.auditLog.Record(r.Context(), audit.EventMutation, "register_party", p.Principal, caller, nil)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request, caller string) {
	if caller == "" {
		writeError(w, coordinatorerr.New(coordinatorerr.NotRegistered, "anonymous"))
		return
	}
	p, err := s.identity.Lookup(r.Context(), caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListParties(w http.ResponseWriter, r *http.Request, _ string) {
	parties, err := s.identity.ListAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, parties)
}

func (s *Server) handleListActiveParties(w http.ResponseWriter, r *http.Request, _ string) {
	parties, err := s.identity.ListActive(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, parties)
}

func (s *Server) handlePublicMaterial(w http.ResponseWriter, r *http.Request, caller string) {
	p, err := s.identity.Lookup(r.Context(), caller)
	if err != nil {
		writeError(w, err)
		return
	}
	material, err := s.envelopeSvc.PublicMaterial(r.Context(), p.EnvelopeHandle)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_material": encodeB64(material)})
}

func (s *Server) handleTransportEncryptedKey(w http.ResponseWriter, r *http.Request, _ string) {
	var body struct {
		TransportPK  string `json:"transport_pk"`
		DerivationID string `json:"derivation_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	pk, err := decodeB64(body.TransportPK)
	if err != nil {
		writeError(w, coordinatorerr.Wrap(coordinatorerr.InvalidInput, "transport_pk", err))
		return
	}
	derivationID, err := decodeB64(body.DerivationID)
	if err != nil {
		writeError(w, coordinatorerr.Wrap(coordinatorerr.InvalidInput, "derivation_id", err))
		return
	}
	key, err := s.envelopeSvc.EncryptedKeyFor(r.Context(), pk, derivationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"encrypted_key": encodeB64(key)})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, caller string) {
	var body uploadRequest
	if err := decodeAndValidate(r, &body, s.validator.upload); err != nil {
		writeError(w, err)
		return
	}
	ciphertext, err := decodeB64(body.Ciphertext)
	if err != nil {
		writeError(w, coordinatorerr.Wrap(coordinatorerr.InvalidInput, "ciphertext", err))
		return
	}

	p, err := s.identity.Lookup(r.Context(), caller)
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := s.datasets.Upload(r.Context(), caller, body.Name, body.Schema, body.RecordCount, ciphertext, p.EnvelopeHandle)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = s.auditLog.Record(r.Context(), audit.EventMutation, "upload", id, caller, map[string]interface{}{"bytes": len(ciphertext)})
	writeJSON(w, http.StatusOK, map[string]string{"dataset_id": id})
}

func (s *Server) handleListAllDatasets(w http.ResponseWriter, r *http.Request, _ string) {
	datasets, err := s.datasets.GetAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withoutPayload(datasets))
}

func (s *Server) handleListMyDatasets(w http.ResponseWriter, r *http.Request, caller string) {
	datasets, err := s.datasets.GetFor(r.Context(), caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withoutPayload(datasets))
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request, caller string) {
	var body struct {
		Principal string `json:"principal"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.datasets.Grant(r.Context(), id, caller, body.Principal); err != nil {
		writeError(w, err)
		return
	}
	_ = s.auditLog.Record(r.Context(), audit.EventMutation, "grant", id, caller, map[string]interface{}{"grantee": body.Principal})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request, caller string) {
	var body createRequestRequest
	if err := decodeAndValidate(r, &body, s.validator.createRequest); err != nil {
		writeError(w, err)
		return
	}
	req, err := s.machine.CreateRequest(r.Context(), caller, body.Title, body.Description, body.DatasetIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = s.auditLog.Record(r.Context(), audit.EventMutation, "create_request", req.ID, caller, nil)
	writeJSON(w, http.StatusOK, map[string]string{"request_id": req.ID})
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request, _ string) {
	requests, err := s.machine.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

// publicRequestView is the reduced shape anonymous callers may see
// (spec §6 list_requests_public_view) — no description, no voter
// identities, no result payload.
type publicRequestView struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	State     coordinator.State `json:"state"`
	CreatedAt string          `json:"created_at"`
}

func (s *Server) handleListRequestsPublicView(w http.ResponseWriter, r *http.Request, _ string) {
	requests, err := s.machine.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]publicRequestView, 0, len(requests))
	for _, req := range requests {
		out = append(out, publicRequestView{ID: req.ID, Title: req.Title, State: req.State, CreatedAt: req.CreatedAt.Format("2006-01-02T15:04:05Z07:00")})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request, caller string) {
	var body voteRequest
	if err := decodeAndValidate(r, &body, s.validator.vote); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	decision := coordinator.No
	if body.Decision == "yes" {
		decision = coordinator.Yes
	}
	state, err := s.machine.Vote(r.Context(), id, caller, decision)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = s.auditLog.Record(r.Context(), audit.EventMutation, "vote", id, caller, map[string]interface{}{"decision": body.Decision, "state": string(state)})
	writeJSON(w, http.StatusOK, map[string]string{"state": string(state)})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request, caller string) {
	id := r.PathValue("id")
	result, err := s.orchestrator.Execute(r.Context(), id, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": result})
}

func (s *Server) handleSaveResults(w http.ResponseWriter, r *http.Request, caller string) {
	var body saveResultsRequest
	if err := decodeAndValidate(r, &body, s.validator.saveResults); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	req, err := s.machine.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Requester != caller {
		writeError(w, coordinatorerr.New(coordinatorerr.NotAuthorized, "only the requester may save results"))
		return
	}
	if req.State != coordinator.Completed {
		writeError(w, coordinatorerr.New(coordinatorerr.InvalidState, string(req.State)))
		return
	}
	payloadHash, err := canonical.HashBytes([]byte(body.ResultPayload))
	if err != nil {
		writeError(w, err)
		return
	}
	_ = s.auditLog.Record(r.Context(), audit.EventMutation, "save_results", id, caller, map[string]interface{}{
		"result_payload_hash": payloadHash,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListProofs(w http.ResponseWriter, r *http.Request, _ string) {
	records, err := s.proofs.All(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGenerateProof(w http.ResponseWriter, r *http.Request, _ string) {
	id := r.PathValue("id")
	records, err := s.proofs.ByRequest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(records) == 0 {
		writeError(w, coordinatorerr.New(coordinatorerr.NotFound, "no proof for request"))
		return
	}
	writeJSON(w, http.StatusOK, records[len(records)-1])
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return coordinatorerr.Wrap(coordinatorerr.InvalidInput, "malformed JSON body", err)
	}
	return nil
}

// datasetMetadata strips the encrypted payload bytes before returning a
// dataset over the wire — spec §4.3 "payload is not revealed except to
// unwrap_authorized".
type datasetMetadata struct {
	ID             string `json:"id"`
	Owner          string `json:"owner"`
	OwnerName      string `json:"owner_name"`
	Schema         string `json:"schema"`
	RecordCount    uint32 `json:"record_count"`
	EnvelopeHandle string `json:"envelope_handle"`
	CreatedAt      string `json:"created_at"`
	AccessList     []string `json:"access_list"`
}
