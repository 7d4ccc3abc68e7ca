package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/mind-engage/mindengage-grader/internal/exam"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// storeError maps store errors onto status codes.
func storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, exam.ErrNotFound):
		http.Error(w, op+": "+err.Error(), http.StatusNotFound)
	case errors.Is(err, exam.ErrInvalid):
		http.Error(w, op+": "+err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, op+": "+err.Error(), http.StatusInternalServerError)
	}
}

// parseID reads a positive integer id; empty is reported as 0 with ok=true.
func parseID(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func requireID(w http.ResponseWriter, name, s string) (int64, bool) {
	id, ok := parseID(s)
	if !ok || id == 0 {
		http.Error(w, name+" required", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
