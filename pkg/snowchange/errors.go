package snowchange

import (
	"fmt"
	"io"
	"net/http"

	util_http "github.com/snowops/chgctl/pkg/util/http"
)

const maxErrBodyLen = 1024

// AuthError reports a credentials or privilege rejection from the remote
// instance. Never retried.
type AuthError struct {
	Op     string
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication rejected (status %d): %s", e.Op, e.Status, e.Body)
}

// NotFoundError reports an unknown sys_id or template reference.
type NotFoundError struct {
	Op     string
	SysID  string
	Status int
}

func (e *NotFoundError) Error() string {
	if e.SysID == "" {
		return fmt.Sprintf("%s: record not found (status %d)", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: record %s not found (status %d)", e.Op, e.SysID, e.Status)
}

// CreateError reports a creation response that came back successful but
// without the fields every later operation depends on.
type CreateError struct {
	Reason string
	Body   string
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create: malformed response: %s: %s", e.Reason, e.Body)
}

// TransitionError reports a transition or close whose response does not
// carry the requested state. Covers both explicit rejections and silent
// no-ops by the remote workflow engine.
type TransitionError struct {
	Op       string
	SysID    string
	Want     State
	Got      State
	WantCode CloseCode
	GotCode  CloseCode
}

func (e *TransitionError) Error() string {
	if e.WantCode != "" && e.WantCode != e.GotCode {
		return fmt.Sprintf("%s: record %s: close code is %q, requested %q",
			e.Op, e.SysID, e.GotCode, e.WantCode)
	}
	return fmt.Sprintf("%s: record %s: state is %q, requested %q",
		e.Op, e.SysID, e.Got, e.Want)
}

// RemoteError reports any other non-success status from the remote API.
type RemoteError struct {
	Op     string
	SysID  string
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote API error (status %d): %s", e.Op, e.Status, e.Body)
}

// TransportError reports a connection, timeout or response decoding failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// classifyStatus maps a non-success response to the error taxonomy. Returns
// nil for 2xx.
func classifyStatus(op, sysID string, resp *http.Response) error {
	if util_http.IsSuccess(resp) {
		return nil
	}

	body := readErrBody(resp.Body)

	switch {
	case util_http.IsAuthFailure(resp):
		return &AuthError{Op: op, Status: resp.StatusCode, Body: body}
	case util_http.IsNotFound(resp):
		return &NotFoundError{Op: op, SysID: sysID, Status: resp.StatusCode}
	default:
		return &RemoteError{Op: op, SysID: sysID, Status: resp.StatusCode, Body: body}
	}
}

func readErrBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxErrBodyLen))
	if err != nil {
		return ""
	}
	return string(b)
}
