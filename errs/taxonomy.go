package errs

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// FromStatus maps an HTTP status and server message onto the error taxonomy.
func FromStatus(op string, status int, serverMsg string, opts ...Option) *E {
	code := codeForStatus(status)
	base := []Option{WithHTTP(status), WithRawMessage(serverMsg), WithMessage(serverMsg)}
	return New(op, code, append(base, opts...)...)
}

func codeForStatus(status int) Code {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeAuth
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return CodeInvalid
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusConflict:
		return CodeConflict
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CodeTimeout
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		return CodeUnavailable
	case status >= 500:
		return CodeServer
	case status >= 400:
		return CodeInvalid
	default:
		return CodeServer
	}
}

// FromTransport wraps a transport-level failure (dial, read, context) into the taxonomy.
func FromTransport(op string, err error) *E {
	if err == nil {
		return nil
	}
	var existing *E
	if errors.As(err, &existing) {
		return existing
	}
	code := CodeNetwork
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		code = CodeTimeout
	}
	return New(op, code, WithCause(err), WithRawMessage(err.Error()))
}

// CodeOf extracts the taxonomy code from err, returning "" when err carries none.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given taxonomy code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Retryable reports whether a query may retry after err. Client errors are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch CodeOf(err) {
	case CodeNetwork, CodeTimeout, CodeServer, CodeUnavailable:
		return true
	case "":
		// untyped errors come from the transport layer
		return true
	default:
		return false
	}
}

// User-facing messages; raw server text never reaches the caller.
const (
	MsgInvalidCredentials = "Invalid email or password."
	MsgSessionExpired     = "Your session has expired. Please sign in again."
	MsgForbidden          = "You are not allowed to do that."
	MsgRateLimited        = "Too many attempts. Please wait and try again."
	MsgUnavailable        = "Server is unavailable. Please try again later."
	MsgTimeout            = "The request timed out. Please try again."
	MsgCheckInput         = "Please check your input and try again."
	MsgGeneric            = "Something went wrong. Please try again."
)

type classification struct {
	needles []string
	message string
}

// Ordered: the first matching class wins.
var classifications = []classification{
	{needles: []string{"invalid credentials", "incorrect", "unauthorized", "invalid email or password", "401"}, message: MsgInvalidCredentials},
	{needles: []string{"too many", "rate limit", "429"}, message: MsgRateLimited},
	{needles: []string{"unavailable", "connection refused", "502", "503", "network"}, message: MsgUnavailable},
	{needles: []string{"timeout", "timed out", "deadline exceeded"}, message: MsgTimeout},
}

// ClassifyMessage sanitises raw server error text into a fixed user-facing message.
func ClassifyMessage(raw string) string {
	lower := strings.ToLower(raw)
	for _, class := range classifications {
		for _, needle := range class.needles {
			if strings.Contains(lower, needle) {
				return class.message
			}
		}
	}
	return MsgGeneric
}

// UserMessage renders err as a message safe to show to an end user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *E
	if !errors.As(err, &e) {
		return ClassifyMessage(err.Error())
	}
	switch e.Code {
	case CodeInvalid:
		if len(e.Fields) > 0 {
			return MsgCheckInput
		}
		if msg := ClassifyMessage(e.RawMsg); msg != MsgGeneric {
			return msg
		}
		return MsgCheckInput
	case CodeRateLimited:
		return MsgRateLimited
	case CodeTimeout:
		return MsgTimeout
	case CodeUnavailable, CodeNetwork, CodeServer:
		return MsgUnavailable
	case CodeAuth:
		switch {
		case credentialOp(e.Op):
			return MsgInvalidCredentials
		case e.HTTP == http.StatusForbidden:
			return MsgForbidden
		default:
			return MsgSessionExpired
		}
	}
	raw := e.RawMsg
	if raw == "" {
		raw = e.Message
	}
	return ClassifyMessage(raw)
}

// credentialOp reports whether op submitted a password, where an auth failure
// means the credentials were wrong rather than the session.
func credentialOp(op string) bool {
	op = strings.ToLower(op)
	switch op {
	case "login", "register":
		return true
	}
	return strings.HasSuffix(op, "/auth/login") || strings.HasSuffix(op, "/auth/register")
}
