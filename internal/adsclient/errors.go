package adsclient

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedStatus is wrapped by every StatusError.
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrInvalidResponse is returned when a response body cannot be parsed.
	ErrInvalidResponse = errors.New("invalid response body")
	// ErrCaptchaRequired is wrapped by CaptchaError.
	ErrCaptchaRequired = errors.New("captcha required")
	// ErrInvalidWallet is returned when a request needs a wallet and none is set.
	ErrInvalidWallet = errors.New("invalid wallet")
)

// StatusError reports a response whose status code the caller did not expect.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// IsServerError reports whether the status is in the 5xx range.
func (e *StatusError) IsServerError() bool { return e.Code >= 500 && e.Code <= 599 }

// StatusCode extracts the code of a StatusError in err's chain, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// CaptchaError is returned when the server requires the user to solve a
// captcha before issuing more tokens.
type CaptchaError struct {
	CaptchaID string
}

func (e *CaptchaError) Error() string {
	return "captcha required: " + e.CaptchaID
}

func (e *CaptchaError) Unwrap() error { return ErrCaptchaRequired }
