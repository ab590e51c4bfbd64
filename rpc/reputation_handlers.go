package rpc

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"nhbchain/native/reputation"
)

// reputationEnvelopeParams mirrors the wire shape of reputation.Envelope:
// a hex-encoded signature alongside the claimed signer and nonce.
type reputationEnvelopeParams struct {
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
	Nonce     uint64 `json:"nonce"`
}

func (p reputationEnvelopeParams) toEnvelope() (reputation.Envelope, error) {
	signer, err := parseBech32Address(p.Signer)
	if err != nil {
		return reputation.Envelope{}, err
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(p.Signature, "0x"))
	if err != nil {
		return reputation.Envelope{}, err
	}
	return reputation.Envelope{Signer: reputation.Addr(signer), Signature: sig, Nonce: p.Nonce}, nil
}

type reputationProveParams struct {
	Envelope reputationEnvelopeParams `json:"envelope"`
	User     string                   `json:"user"`
	Amount   uint64                   `json:"amount"`
	ProofID  uint64                   `json:"proofId"`
}

// handleReputationProve demonstrates wiring the core's request-struct
// boundary to a moderator-signed proof. It is intentionally thin: request
// decoding and bech32 parsing only, with every invariant enforced inside
// native/reputation.Engine.
func (s *Server) handleReputationProve(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params reputationProveParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	envelope, err := params.Envelope.toEnvelope()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	user, err := parseBech32Address(params.User)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	proveReq := reputation.ProveRequest{
		Envelope: envelope,
		User:     reputation.Addr(user),
		Amount:   params.Amount,
		ProofID:  params.ProofID,
	}
	if err := s.node.ReputationProve(proveReq); err != nil {
		writeReputationError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

type reputationBalanceParams struct {
	User string `json:"user"`
}

// handleReputationBalance demonstrates the read-side of the same boundary.
func (s *Server) handleReputationBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params reputationBalanceParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	user, err := parseBech32Address(params.User)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.node.ReputationBalance(user)
	if err != nil {
		writeReputationError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]uint64{"balance": balance})
}

func writeReputationError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeServerError
	message := "internal_error"
	switch reputation.ClassifyError(err) {
	case reputation.CategoryMalformedRequest:
		status = http.StatusBadRequest
		code = codeInvalidParams
		message = "invalid_params"
	case reputation.CategoryUnauthorized, reputation.CategorySignatureInvalid:
		status = http.StatusForbidden
		code = codeUnauthorized
		message = "forbidden"
	case reputation.CategoryNonceAlreadyUsed, reputation.CategoryNonceOverflow, reputation.CategoryLimitExceeded:
		status = http.StatusConflict
		code = codeInvalidParams
		message = "rejected"
	}
	writeError(w, status, id, code, message, err.Error())
}
