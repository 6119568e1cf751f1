package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fleetdm/devicefarm/server/contexts/ctxerr"
	"github.com/fleetdm/devicefarm/server/fleet"
)

type jsonError struct {
	Message string              `json:"message"`
	Errors  []map[string]string `json:"errors,omitempty"`
}

// use baseError to encode an jsonError.Errors field with an error that has
// a generic "name" field.
func baseError(err string) []map[string]string {
	return []map[string]string{
		{
			"name":   "base",
			"reason": err,
		},
	}
}

// encode error and status header to the client. Only server errors are
// passed to the registered error handler.
func encodeError(ctx context.Context, err error, w http.ResponseWriter) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	var (
		nfe fleet.NotFoundError
		sce fleet.ErrWithStatusCode
	)
	switch {
	case errors.Is(err, errBadRoute):
		w.WriteHeader(http.StatusNotFound)
		enc.Encode(jsonError{Message: "Resource Not Found", Errors: baseError(err.Error())}) //nolint:errcheck
	case errors.As(err, &nfe):
		w.WriteHeader(http.StatusNotFound)
		enc.Encode(jsonError{Message: "Resource Not Found", Errors: baseError(nfe.Error())}) //nolint:errcheck
	case errors.As(err, &sce):
		status := sce.StatusCode()
		msg := http.StatusText(status)
		if status == http.StatusBadRequest {
			msg = "Bad request"
		}
		if status >= http.StatusInternalServerError {
			ctxerr.Handle(ctx, err) //nolint:errcheck
		}
		w.WriteHeader(status)
		enc.Encode(jsonError{Message: msg, Errors: baseError(sce.Error())}) //nolint:errcheck
	default:
		ctxerr.Handle(ctx, err) //nolint:errcheck
		w.WriteHeader(http.StatusInternalServerError)
		enc.Encode(jsonError{Message: "Unknown Error", Errors: baseError(err.Error())}) //nolint:errcheck
	}
}
