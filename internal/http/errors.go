package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/ride-dispatch/internal/rideerr"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func statusForKind(k rideerr.Kind) int {
	switch k {
	case rideerr.KindValidation:
		return http.StatusBadRequest
	case rideerr.KindAuthentication:
		return http.StatusUnauthorized
	case rideerr.KindAuthorization:
		return http.StatusForbidden
	case rideerr.KindNotFound:
		return http.StatusNotFound
	case rideerr.KindConflict:
		return http.StatusConflict
	case rideerr.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := rideerr.CodeOf(err)
	if code == "" {
		code = "INTERNAL"
	}
	msg := "operation failed"
	var e *rideerr.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	writeJSON(w, statusForKind(rideerr.KindOf(err)), errorResponse{Error: errorBody{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
