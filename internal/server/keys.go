package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sgx-labs/lore"
)

// validate applies the struct tags on request bodies. One instance for
// the whole package; the validator caches struct metadata internally.
var validate = validator.New()

// handleOrgInit bootstraps a fresh server: one org and its root key in
// a single shot. Unauthenticated on purpose, and a no-op forever after
// the first success, so an exposed endpoint cannot be used to take over
// an initialized server.
func (s *server) handleOrgInit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name" validate:"required"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if !validRequest(w, &req) {
		return
	}

	secret, prefix, hash, err := newKeySecret()
	if err != nil {
		s.internalError(w, "org init", err)
		return
	}
	now := time.Now().UTC()
	org := &lore.Org{ID: lore.NewID(), Name: req.Name, CreatedAt: now}
	rootKey := &lore.APIKey{
		ID:        lore.NewID(),
		OrgID:     org.ID,
		Name:      "root",
		KeyHash:   hash,
		KeyPrefix: prefix,
		Role:      roleAdmin,
		IsRoot:    true,
		CreatedAt: now,
	}

	err = s.repo.CreateOrg(r.Context(), org, rootKey)
	if errors.Is(err, errOrgExists) {
		writeError(w, http.StatusConflict, codeConflict, "organization already initialized")
		return
	}
	if err != nil {
		s.internalError(w, "org init", err)
		return
	}
	s.log.Info("organization initialized",
		zap.String("org_id", org.ID), zap.String("name", req.Name))
	writeJSON(w, http.StatusCreated, lore.OrgInitResult{
		OrgID:     org.ID,
		APIKey:    secret,
		KeyPrefix: prefix,
	})
}

type createKeyRequest struct {
	Name    string `json:"name" validate:"required"`
	Project string `json:"project"`
	IsRoot  bool   `json:"is_root"`
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !readJSON(w, r, &req) {
		return
	}
	if !validRequest(w, &req) {
		return
	}
	if req.IsRoot && req.Project != "" {
		writeError(w, http.StatusUnprocessableEntity, codeValidation,
			"root keys cannot be project-scoped")
		return
	}

	secret, prefix, hash, err := newKeySecret()
	if err != nil {
		s.internalError(w, "create key", err)
		return
	}
	role := roleWriter
	if req.IsRoot {
		role = roleAdmin
	}
	key := keyFrom(r.Context())
	k := &lore.APIKey{
		ID:        lore.NewID(),
		OrgID:     key.OrgID,
		Name:      req.Name,
		KeyHash:   hash,
		KeyPrefix: prefix,
		Project:   req.Project,
		Role:      role,
		IsRoot:    req.IsRoot,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateKey(r.Context(), k); err != nil {
		s.internalError(w, "create key", err)
		return
	}
	s.log.Info("api key created",
		zap.String("key_id", k.ID),
		zap.String("name", k.Name),
		zap.Bool("is_root", k.IsRoot))
	writeJSON(w, http.StatusCreated, lore.KeyGrant{
		ID:      k.ID,
		Key:     secret,
		Name:    k.Name,
		Project: k.Project,
	})
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	key := keyFrom(r.Context())
	keys, err := s.repo.ListKeys(r.Context(), key.OrgID)
	if err != nil {
		s.internalError(w, "list keys", err)
		return
	}
	infos := make([]lore.KeyInfo, len(keys))
	for i, k := range keys {
		infos[i] = lore.KeyInfo{
			ID:         k.ID,
			Name:       k.Name,
			KeyPrefix:  k.KeyPrefix,
			Project:    k.Project,
			IsRoot:     k.IsRoot,
			CreatedAt:  k.CreatedAt,
			LastUsedAt: k.LastUsedAt,
			Revoked:    k.Revoked(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": infos})
}

func (s *server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	key := keyFrom(r.Context())
	id := r.PathValue("id")
	err := s.repo.RevokeKey(r.Context(), key.OrgID, id)
	switch {
	case errors.Is(err, errStoreNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "key not found")
	case errors.Is(err, errAlreadyRevoked):
		writeError(w, http.StatusBadRequest, codeBadRequest, "key already revoked")
	case errors.Is(err, errLastRootKey):
		writeError(w, http.StatusBadRequest, codeBadRequest,
			"cannot revoke the last active root key")
	case err != nil:
		s.internalError(w, "revoke key", err)
	default:
		s.auth.cache.dropKeyID(id)
		s.log.Info("api key revoked",
			zap.String("key_id", id), zap.String("org_id", key.OrgID))
		w.WriteHeader(http.StatusNoContent)
	}
}

// internalError logs the cause and answers with an opaque envelope so
// database details never reach clients.
func (s *server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
}

// validRequest applies struct-tag validation, answering 422 on failure.
func validRequest(w http.ResponseWriter, req any) bool {
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeValidation, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Sprintf("field %q failed %q validation", e.Field(), e.Tag())
	}
	return err.Error()
}
