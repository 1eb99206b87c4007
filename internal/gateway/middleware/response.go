package middleware

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest/httpx"
)

// ErrorBody error envelope, same shape as the handler package's Response
type ErrorBody struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteError writes an error envelope; code mirrors the HTTP status
func WriteError(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	httpx.WriteJson(w, statusCode, ErrorBody{
		Code:      statusCode,
		Message:   message,
		RequestID: RequestIDFromContext(r.Context()),
	})
}
