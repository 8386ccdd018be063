/*
Package resp writes the JSON envelope every HTTP endpoint answers with.

Every response carries a business code (0 for success), a message and an optional data payload.
Error responses also echo the request id so a client report can be matched to the server log.
*/
package resp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"meetmesh/internal/pkg/errs"
	"meetmesh/internal/pkg/logx"
)

// JSONResponse is the envelope returned to clients.
type JSONResponse struct {
	// Code is the business status code (0 for success, see the errs package otherwise).
	Code int `json:"code"`

	Message string `json:"message"`

	// Data is the optional response payload.
	Data any `json:"data,omitempty"`

	// RequestID is set on error responses.
	RequestID string `json:"requestId,omitempty"`
}

// RespondJSON writes payload with the given status.
func RespondJSON(w http.ResponseWriter, r *http.Request, httpStatus int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		logx.Error(err, "Error encoding JSON response", "http_status", httpStatus, "path", r.URL.Path)
		http.Error(w, "Error encoding JSON response", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "no-store")

	w.WriteHeader(httpStatus)
	w.Write(body)
}

// RespondSuccess sends data with HTTP 200 and business code 0.
func RespondSuccess(w http.ResponseWriter, r *http.Request, data any) {
	RespondJSON(w, r, http.StatusOK, JSONResponse{Code: 0, Message: "success", Data: data})
}

// RespondError sends customErr. Server-side failures are logged together with their cause.
func RespondError(w http.ResponseWriter, r *http.Request, customErr *errs.CustomError) {
	if customErr == nil {
		customErr = errs.NewError(errs.ErrUnknown)
	}

	reqID := middleware.GetReqID(r.Context())

	if customErr.Status >= http.StatusInternalServerError {
		cause := customErr.Cause()
		if cause == nil {
			cause = customErr
		}
		logx.Error(cause, "Request failed",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"code", customErr.Code,
			"http_status", customErr.Status,
		)
	}

	RespondJSON(w, r, customErr.Status, JSONResponse{
		Code:      customErr.Code,
		Message:   customErr.Message,
		RequestID: reqID,
	})
}

// RespondErr sends err as a CustomError; anything else becomes ErrUnknown with err as cause.
func RespondErr(w http.ResponseWriter, r *http.Request, err error) {
	var customErr *errs.CustomError
	if errors.As(err, &customErr) {
		RespondError(w, r, customErr)
		return
	}
	RespondError(w, r, errs.NewError(errs.ErrUnknown, err))
}
