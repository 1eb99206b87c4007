package handler

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest/httpx"

	"github.com/customsportal/portal/internal/gateway/middleware"
)

// Response JSON envelope of every REST route
type Response struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// SuccessResponse writes a 200 envelope around data
func SuccessResponse(w http.ResponseWriter, r *http.Request, data interface{}) {
	httpx.WriteJson(w, http.StatusOK, Response{
		Code:      0,
		Message:   "success",
		Data:      data,
		RequestID: middleware.RequestIDFromContext(r.Context()),
	})
}

// ErrorResponse writes an error envelope; code mirrors the HTTP status
func ErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	middleware.WriteError(w, r, statusCode, message)
}

// ForbiddenResponse 403
func ForbiddenResponse(w http.ResponseWriter, r *http.Request, message string) {
	ErrorResponse(w, r, http.StatusForbidden, message)
}

// NotFoundResponse 404
func NotFoundResponse(w http.ResponseWriter, r *http.Request, message string) {
	ErrorResponse(w, r, http.StatusNotFound, message)
}

// ServiceUnavailableResponse 503
func ServiceUnavailableResponse(w http.ResponseWriter, r *http.Request, message string) {
	ErrorResponse(w, r, http.StatusServiceUnavailable, message)
}
