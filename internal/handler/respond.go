package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"subdomaind/internal/orchestrator"
	"subdomaind/internal/provider"
)

// statusClientClosedRequest is nginx's code for a caller that went away
// before the response was ready.
const statusClientClosedRequest = 499

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps orchestrator errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case orchestrator.IsValidation(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrLabelTaken),
		errors.Is(err, orchestrator.ErrRecordFailed),
		errors.Is(err, orchestrator.ErrNotActive),
		errors.Is(err, orchestrator.ErrRunCanceled):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrProvisioningFailed),
		errors.Is(err, orchestrator.ErrRenewalFailed):
		return http.StatusBadGateway
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	}
	var pe *provider.Error
	if errors.As(err, &pe) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// respondError writes err with its mapped status. Internal errors are logged
// and hidden from the caller; provider failures expose only their public text.
func respondError(w http.ResponseWriter, log *zap.Logger, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch {
	case status == http.StatusInternalServerError:
		log.Error("request failed", zap.Error(err))
		msg = "internal error"
	case status == statusClientClosedRequest:
		log.Debug("client went away", zap.Error(err))
		msg = "request canceled"
	case status == http.StatusBadGateway:
		var pe *provider.Error
		if errors.As(err, &pe) {
			prefix := "provisioning failed: "
			if errors.Is(err, orchestrator.ErrRenewalFailed) {
				prefix = "certificate renewal failed: "
			}
			msg = prefix + pe.Public()
		}
	}
	writeError(w, status, msg)
}
