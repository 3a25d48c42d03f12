package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"broker/internal/broker"
)

// Error codes carried in ErrorResponse.Code.
const (
	codeNotFound        = "not_found"
	codeConflict        = "conflict"
	codeValidation      = "validation"
	codeDeserialization = "deserialization"
	codeContention      = "contention"
	codeStorage         = "storage"
	codeInternal        = "internal"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classify maps an error to its status code and response body.
func classify(err error) (int, ErrorResponse) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := codeInternal
		switch {
		case he.Code == http.StatusNotFound:
			code = codeNotFound
		case he.Code < http.StatusInternalServerError:
			code = codeValidation
		}
		return he.Code, ErrorResponse{Code: code, Message: fmt.Sprint(he.Message)}
	}

	resp := ErrorResponse{Message: err.Error()}
	switch {
	case errors.Is(err, broker.ErrNotFound):
		resp.Code = codeNotFound
		return http.StatusNotFound, resp
	case errors.Is(err, broker.ErrConflict):
		resp.Code = codeConflict
		return http.StatusConflict, resp
	case errors.Is(err, broker.ErrValidation):
		resp.Code = codeValidation
		return http.StatusBadRequest, resp
	case errors.Is(err, broker.ErrDeserialization):
		resp.Code = codeDeserialization
		return http.StatusUnprocessableEntity, resp
	case errors.Is(err, broker.ErrContention):
		resp.Code = codeContention
		return http.StatusServiceUnavailable, resp
	case errors.Is(err, broker.ErrStorageFatal):
		resp.Code = codeStorage
		return http.StatusInternalServerError, resp
	default:
		resp.Code = codeInternal
		resp.Message = http.StatusText(http.StatusInternalServerError)
		return http.StatusInternalServerError, resp
	}
}

// sentinel is the inverse of classify, used by the client.
func sentinel(status int, code string) error {
	switch code {
	case codeNotFound:
		return broker.ErrNotFound
	case codeConflict:
		return broker.ErrConflict
	case codeValidation:
		return broker.ErrValidation
	case codeDeserialization:
		return broker.ErrDeserialization
	case codeContention:
		return broker.ErrContention
	case codeStorage:
		return broker.ErrStorageFatal
	}

	switch status {
	case http.StatusNotFound:
		return broker.ErrNotFound
	case http.StatusConflict:
		return broker.ErrConflict
	case http.StatusBadRequest:
		return broker.ErrValidation
	case http.StatusUnprocessableEntity:
		return broker.ErrDeserialization
	case http.StatusServiceUnavailable:
		return broker.ErrContention
	default:
		return broker.ErrStorageFatal
	}
}
