package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/r3e-cellvault/cellserver/internal/cryptocore"
	"github.com/r3e-cellvault/cellserver/pkg/errors"
)

func (s *Service) handleSecureEncrypt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data   string `json:"data"`
		DataID string `json:"data_id"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	dataID := req.DataID
	if dataID == "" {
		sum := sha256.Sum256([]byte(req.Data))
		dataID = hex.EncodeToString(sum[:8])
	}

	env, err := s.crypto.Encrypt([]byte(req.Data), dataID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "encrypted_data": env})
}

func (s *Service) handleSecureDecrypt(w http.ResponseWriter, r *http.Request) {
	var env cryptocore.Envelope
	if err := decodeJSON(r.Body, &env); err != nil {
		writeError(w, err)
		return
	}

	plaintext, err := s.crypto.Decrypt(env)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "decrypted_data": string(plaintext)})
}

func (s *Service) handleSecureVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data      string `json:"data"`
		HashValue string `json:"hash_value"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}

	valid, err := s.crypto.VerifyIntegrity([]byte(req.Data), req.HashValue)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "is_valid": valid})
}

func (s *Service) handleSecureCompute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operation     string                 `json:"operation"`
		EncryptedData cryptocore.Envelope    `json:"encrypted_data"`
		Params        map[string]interface{} `json:"params"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Operation == "" {
		writeError(w, errors.InvalidInput("operation", "required"))
		return
	}

	result, err := s.crypto.Compute(req.Operation, req.EncryptedData, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "operation": req.Operation, "result": result})
}

func (s *Service) handleSecureAttestation(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromCtx(r.Context())
	if !ok {
		writeError(w, errors.Unauthenticated("missing identity"))
		return
	}
	if err := s.authz.RequireAdmin(identity); err != nil {
		writeError(w, err)
		return
	}

	report, err := s.crypto.Attestation()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "attestation_data": report})
}
