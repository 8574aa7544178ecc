package server

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Machine-readable codes carried in the "error" field of every non-2xx
// response. Clients branch on these; "message" is for humans and may
// change without notice.
const (
	codeBadRequest    = "bad_request"
	codeMalformedJSON = "malformed_json"
	codeUnauthorized  = "unauthorized"
	codeKeyRevoked    = "key_revoked"
	codeForbidden     = "forbidden"
	codeNotFound      = "not_found"
	codeConflict      = "conflict"
	codeTooLarge      = "request_too_large"
	codeValidation    = "validation_error"
	codeSuspicious    = "suspicious_content"
	codeRateLimited   = "rate_limit_exceeded"
	codeInternal      = "internal_error"
)

// errorBody is the error envelope. The field layout is part of the wire
// contract: clients read "message" for display and "error" to branch.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// apiFault is an error that already knows its wire shape. Anything else
// escaping a handler is written as a 500 internal_error.
type apiFault struct {
	status  int
	code    string
	message string
}

func (f *apiFault) Error() string { return f.message }

// writeFault writes err as its wire shape when it is an apiFault and as
// an opaque 500 otherwise, so internal details never leak to clients.
func writeFault(w http.ResponseWriter, err error) bool {
	var f *apiFault
	if errors.As(err, &f) {
		writeError(w, f.status, f.code, f.message)
		return false
	}
	writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}
