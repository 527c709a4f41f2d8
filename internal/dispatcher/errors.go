package dispatcher

import (
	"encoding/json"
	"net/http"
)

// w3cErrorBody mirrors the W3C WebDriver error envelope.
type w3cErrorBody struct {
	Value w3cErrorValue `json:"value"`
}

type w3cErrorValue struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeW3CError(w http.ResponseWriter, status int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(w3cErrorBody{Value: w3cErrorValue{Error: errorCode, Message: message}}) //nolint:errcheck
}

// writeW3CValue wraps value in the standard {value: ...} envelope.
func writeW3CValue(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"value": value}) //nolint:errcheck
}

func writeNotFound(w http.ResponseWriter) {
	writeW3CError(w, http.StatusNotFound, "invalid session id", "invalid session id")
}

func writeUnknownError(w http.ResponseWriter, message string) {
	writeW3CError(w, http.StatusInternalServerError, "unknown error", message)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeW3CError(w, http.StatusBadRequest, "invalid argument", message)
}
