package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"courierdispatch/internal/dispatch"
	"courierdispatch/internal/model"
)

const maxBodyBytes = 1 << 20

// decodeJSON reads a single JSON object from the body; failures wrap
// dispatch.ErrValidation.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", dispatch.ErrValidation)
		}
		return fmt.Errorf("%w: invalid JSON: %v", dispatch.ErrValidation, err)
	}
	return nil
}

// splitPath returns the non-empty segments after prefix, or nil when path
// does not start with prefix.
func splitPath(path, prefix string) []string {
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok {
		return nil
	}
	var out []string
	for _, p := range strings.Split(rest, "/") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func limitParam(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 500 {
		return 0, fmt.Errorf("%w: limit must be between 1 and 500", dispatch.ErrValidation)
	}
	return n, nil
}

type addDriverRequest struct {
	ID       string          `json:"id"`
	Location *model.GeoPoint `json:"location"`
}

func validateAddDriver(req *addDriverRequest) error {
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" || strings.Contains(req.ID, "/") {
		return fmt.Errorf("%w: driver id is required and may not contain '/'", dispatch.ErrValidation)
	}
	if req.Location == nil {
		return fmt.Errorf("%w: location is required", dispatch.ErrValidation)
	}
	return nil
}
