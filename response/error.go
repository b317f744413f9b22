package response

import "fmt"

// Error is the JSON error envelope returned by every API route
type Error struct {
	StatusCode int         `json:"status"`
	Message    string      `json:"message"`
	Messages   []string    `json:"messages"`
	Result     interface{} `json:"result"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

func (e *Error) AddMessages(msgs ...string) *Error {
	e.Messages = append(e.Messages, msgs...)
	return e
}

func (e *Error) WithResult(result interface{}) *Error {
	e.Result = result
	return e
}

func makeError(status int) *Error {
	return &Error{
		StatusCode: status,
		Messages:   make([]string, 0),
		Result:     []string{},
	}
}

// -----------------------------------------------

func ErrUnexpected() *Error {
	return makeError(500).
		WithMessage("An unexpected error has occured")
}

func ErrBadRequest() *Error {
	return makeError(400).
		WithMessage("Bad request")
}

func ErrNotFound() *Error {
	return makeError(404).
		WithMessage("Requested resources not found")
}

func ErrInvalidJson() *Error {
	return ErrBadRequest().AddMessages("Invalid JSON body")
}

func ErrBadGateway() *Error {
	return makeError(502).
		WithMessage("Payment processor returned an error")
}

func ErrInvalidSignature() *Error {
	return ErrBadRequest().AddMessages("Webhook signature verification failed")
}

func ErrLMSUnavailable() *Error {
	return makeError(502).
		WithMessage("Course platform returned an error")
}
