package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmehra2102/orderflow/pkg/apperr"
)

type ErrorBody struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind"`
}

var kindStatus = map[apperr.Kind]int{
	apperr.NotFound:          http.StatusNotFound,
	apperr.Conflict:          http.StatusConflict,
	apperr.InsufficientStock: http.StatusUnprocessableEntity,
	apperr.ResourceBusy:      http.StatusLocked,
	apperr.GatewayError:      http.StatusBadGateway,
	apperr.ValidationError:   http.StatusBadRequest,
	apperr.Unavailable:       http.StatusServiceUnavailable,
}

func StatusFor(kind apperr.Kind) int {
	if s, ok := kindStatus[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// KindFor maps a response status back onto an error kind for clients that
// received no error body.
func KindFor(status int) apperr.Kind {
	for k, s := range kindStatus {
		if s == status {
			return k
		}
	}
	if status >= 500 {
		return apperr.Unavailable
	}
	return apperr.Internal
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	WriteJSON(w, StatusFor(kind), ErrorBody{Error: apperr.Message(err), Kind: kind})
}

func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) {
			return apperr.New(apperr.ValidationError, "decode", "malformed json at offset %d", syntax.Offset)
		}
		return apperr.Wrap(apperr.ValidationError, "decode", err)
	}
	return nil
}
