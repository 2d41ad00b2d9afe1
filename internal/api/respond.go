package api

import (
	"encoding/json"
	"net/http"

	"AgentDCA/internal/agentkey"
	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/order"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok && e.Message() != "" {
		message = e.Message()
	}
	writeJSON(w, statusFor(err), errorBody{Error: errorDetail{Code: string(code), Message: message}})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体不是有效的 JSON")
	}
	return nil
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, order.CodeNotFound, agentkey.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, order.CodeInvalidTransition, agentkey.CodeApprovalImmutable:
		return http.StatusConflict
	case xerrors.CodeRateLimited:
		return http.StatusTooManyRequests
	}
	switch xerrors.ClassOf(err) {
	case xerrors.ClassInsufficientAuthorization:
		return http.StatusUnprocessableEntity
	case xerrors.ClassTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
