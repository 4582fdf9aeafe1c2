package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"
)

// maxBodyBytes bounds request bodies. Alarm payloads are at most 64 KiB
// before base64 encoding.
const maxBodyBytes = 256 << 10

// Response is a standard API response wrapper.
type Response struct {
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(Response{Data: data}); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

// JSONError writes a JSON error response.
func JSONError(w http.ResponseWriter, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)

	if encErr := json.NewEncoder(w).Encode(Response{Error: err}); encErr != nil {
		log.Printf("api: encode error response: %v", encErr)
	}
}

// Created writes a 201 Created response.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

// OK writes a 200 OK response.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// NoContent writes a 204 No Content response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// decodeJSON reads a bounded JSON body into v. Unknown fields are rejected.
// An empty body leaves v untouched when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) *Error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return NewBadRequest("request body too large")
		}
		return NewBadRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

// LoginResponse is returned on successful login and refresh.
type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"` // seconds
	ExpiresAt   time.Time `json:"expires_at"`
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	Role        string    `json:"role"`
}

// BypassResponse reports an emergency bypass grant.
type BypassResponse struct {
	Until time.Time `json:"until"`
}

// BackupResponse summarizes a backup run.
type BackupResponse struct {
	Snapshots   int            `json:"snapshots"`
	ByLocation  map[string]int `json:"by_location"`
	Failures    int            `json:"failures,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}
