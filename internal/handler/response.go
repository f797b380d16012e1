package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"haven-service/internal/service"
	"haven-service/internal/util"
)

// Response represents a standard admin API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Meta represents pagination metadata
type Meta struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"pageSize"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(message string) Response {
	return Response{
		Success: false,
		Error:   message,
	}
}

// apiError is the body the browser-facing endpoints return on failure.
type apiError struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		util.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// getStatusCode determines the appropriate HTTP status code for an error
func getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrGateway):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage is what the caller gets to read. Classified errors carry their
// own message; anything else is only detailed outside production.
func errorMessage(err error, production bool) string {
	if msg, ok := service.PublicMessage(err); ok {
		return msg
	}
	if production {
		return "Internal error"
	}
	return err.Error()
}

// classify logs a failed request and returns its status and caller message.
func classify(r *http.Request, err error, production bool) (int, string) {
	status := getStatusCode(err)
	if status >= http.StatusInternalServerError {
		util.Error("Request failed",
			util.String("path", r.URL.Path),
			util.Int("status_code", status),
			util.ErrorField(err),
		)
	} else {
		util.Warn("Request rejected",
			util.String("path", r.URL.Path),
			util.Int("status_code", status),
			util.ErrorField(err),
		)
	}
	return status, errorMessage(err, production)
}
