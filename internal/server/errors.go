package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"FundLedger/internal/core"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GRPCCode maps an engine error onto a gRPC status code.
func GRPCCode(err error) codes.Code {
	if errors.Is(err, ErrUnauthenticated) {
		return codes.Unauthenticated
	}
	switch core.Classify(err) {
	case "":
		return codes.OK
	case core.KindInvalid:
		return codes.InvalidArgument
	case core.KindUnauthorized:
		return codes.PermissionDenied
	case core.KindState:
		return codes.FailedPrecondition
	case core.KindLiquidity:
		return codes.ResourceExhausted
	case core.KindNotFound:
		return codes.NotFound
	case core.KindInternal:
		return codes.Internal
	default:
		return codes.Aborted
	}
}

// HTTPStatus maps an engine error onto an HTTP status.
func HTTPStatus(err error) int {
	switch GRPCCode(err) {
	case codes.OK:
		return http.StatusOK
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.FailedPrecondition, codes.ResourceExhausted:
		return http.StatusConflict
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func toStatus(err error) error {
	return status.Error(GRPCCode(err), err.Error())
}

// ErrorBody is the JSON body of every failed HTTP request.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, httpStatus int, code string, err error) {
	writeJSON(w, httpStatus, ErrorBody{Error: err.Error(), Code: code})
}

func writeEngineError(w http.ResponseWriter, err error) {
	code := string(core.Classify(err))
	if errors.Is(err, ErrUnauthenticated) {
		code = "unauthenticated"
	}
	writeError(w, HTTPStatus(err), code, err)
}

func writeJSON(w http.ResponseWriter, httpStatus int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(v)
}
