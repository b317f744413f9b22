package response

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/miragespace/coursesub/apperr"
)

// WriteError serializes e as the response body with e.StatusCode
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	json.NewEncoder(w).Encode(e)
}

// WriteResponse serializes v as a 200 response
func WriteResponse(w http.ResponseWriter, r *http.Request, v interface{}) {
	WriteResponseWithStatus(w, r, http.StatusOK, v)
}

// WriteResponseWithStatus serializes v with the given status code
func WriteResponseWithStatus(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// FromError maps the apperr taxonomy onto an HTTP error envelope.
// Unclassified errors become a generic 500 without leaking the cause.
func FromError(err error) *Error {
	var (
		validation *apperr.ValidationError
		notFound   *apperr.NotFoundError
		gateway    *apperr.GatewayError
	)
	switch {
	case errors.As(err, &validation):
		return ErrBadRequest().AddMessages(validation.Error())
	case errors.As(err, &notFound):
		return ErrNotFound().AddMessages(notFound.Error())
	case errors.As(err, &gateway):
		if gateway.Code != "" {
			return ErrBadGateway().AddMessages(gateway.Message).WithResult(map[string]string{"code": gateway.Code})
		}
		return ErrBadGateway().AddMessages(gateway.Message)
	case errors.Is(err, apperr.ErrAuthentication):
		return ErrInvalidSignature()
	case errors.Is(err, apperr.ErrUpstreamSync):
		return ErrLMSUnavailable()
	default:
		return ErrUnexpected()
	}
}
