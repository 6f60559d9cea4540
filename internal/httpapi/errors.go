package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/loomworks/loomd/internal/auth"
	"github.com/loomworks/loomd/internal/store"
)

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps repository errors onto the HTTP surface. Authorization
// mismatches arrive as store.ErrNotFound, so filtered entities 404 rather
// than disclose their existence.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, store.ErrValidation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, auth.ErrInvalidToken):
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON reads the request body into v. An empty body leaves v zeroed.
func decodeJSON(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
