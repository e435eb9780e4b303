package restapi

import (
	"encoding/json"
	"net/http"
)

// respondJSON writes v as a JSON body with the given status code, the same small
// helper shape used throughout the HTTP surface below.
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func respondOK(w http.ResponseWriter, v interface{}) {
	respondJSON(w, http.StatusOK, v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
