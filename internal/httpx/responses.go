// Package httpx holds the JSON response, request decoding and client
// address helpers shared by the HTTP middleware and handlers.
package httpx

import (
	"encoding/json"
	"net/http"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: message}})
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteUnauthorized(w http.ResponseWriter) {
	WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
}

func WriteForbidden(w http.ResponseWriter) {
	WriteError(w, http.StatusForbidden, "forbidden", "forbidden")
}

func WriteInternal(w http.ResponseWriter) {
	WriteError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}
