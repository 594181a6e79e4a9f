// Package capability decides, and caches, what the user can currently do
// against a remote share.
package capability

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/franksops/sharesync/provider"
	"github.com/franksops/sharesync/transfer"
)

// AccessState classifies a context's reachability.
type AccessState string

const (
	Unknown             AccessState = "Unknown"
	Accessible          AccessState = "Accessible"
	PermissionDenied    AccessState = "PermissionDenied"
	NotFound            AccessState = "NotFound"
	TransientFailure    AccessState = "TransientFailure"
	EndpointUnavailable AccessState = "EndpointUnavailable"
	InvalidSelection    AccessState = "InvalidSelection"
)

// EndpointNotResolvedCode is the error code reported when the endpoint host
// name does not resolve.
const EndpointNotResolvedCode = "EndpointNotResolved"

// Context is what a capability verdict is about.
type Context struct {
	Account string `json:"account"`
	Share   string `json:"share"`
	Path    string `json:"path,omitempty"`
	// Profile is the credential profile the verdict was obtained with.
	Profile string `json:"profile,omitempty"`
}

// Valid reports whether c names an account and a share.
func (c Context) Valid() bool {
	return strings.TrimSpace(c.Account) != "" && strings.TrimSpace(c.Share) != ""
}

// RemotePath is the directory probed for c.
func (c Context) RemotePath() transfer.RemotePath {
	return transfer.RemotePath{Account: c.Account, Share: c.Share, Path: transfer.NormalizeRemote(c.Path)}
}

func (c Context) key() string {
	return strings.Join([]string{c.Account, c.Share, transfer.NormalizeRemote(c.Path), c.Profile}, "\x00")
}

// Snapshot is an immutable capability verdict.
type Snapshot struct {
	Context     Context     `json:"context"`
	State       AccessState `json:"state"`
	CanBrowse   bool        `json:"can_browse"`
	CanUpload   bool        `json:"can_upload"`
	CanDownload bool        `json:"can_download"`
	CanPlan     bool        `json:"can_plan"`
	CanExecute  bool        `json:"can_execute"`
	// Message is empty when the context is accessible.
	Message     string    `json:"message"`
	EvaluatedAt time.Time `json:"evaluated_at"`
	ErrorCode   string    `json:"error_code,omitempty"`
	// HTTPStatus is zero when the fault carried no status.
	HTTPStatus int `json:"http_status,omitempty"`
}

func accessible(c Context, now time.Time) Snapshot {
	return Snapshot{
		Context:     c,
		State:       Accessible,
		CanBrowse:   true,
		CanUpload:   true,
		CanDownload: true,
		CanPlan:     true,
		CanExecute:  true,
		EvaluatedAt: now,
	}
}

// Interpreter turns probe faults into snapshots. It does no I/O.
type Interpreter struct {
	// EndpointHost names the host an account is served from. Nil falls back
	// to the account name.
	EndpointHost func(account string) string
}

var permissionCodes = map[string]bool{
	"AuthorizationPermissionMismatch": true,
	"AccessDenied":                    true,
}

// Interpret classifies err, raised while probing c, into a snapshot with every
// capability off.
func (in Interpreter) Interpret(err error, c Context, now time.Time) Snapshot {
	s := Snapshot{Context: c, State: Unknown, EvaluatedAt: now}

	if !c.Valid() {
		s.State = InvalidSelection
		s.Message = "Select an account and a share."
		return s
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		s.State = EndpointUnavailable
		s.ErrorCode = EndpointNotResolvedCode
		s.Message = fmt.Sprintf("The storage endpoint %s could not be resolved. Check the account name and your network or DNS settings.",
			in.host(c.Account))
		return s
	}

	status, hasStatus := provider.StatusCode(err)
	code := provider.ErrorCode(err)
	s.ErrorCode = code
	s.HTTPStatus = status

	switch {
	case status == http.StatusForbidden && permissionCodes[code]:
		s.State = PermissionDenied
		s.Message = fmt.Sprintf("Access to %s was denied (%s). Ask an administrator to grant your identity s3:ListBucket on the bucket plus s3:GetObject and s3:PutObject on its objects.",
			c.RemotePath(), code)
	case status == http.StatusNotFound || provider.IsNotFound(err):
		s.State = NotFound
		s.Message = fmt.Sprintf("%s does not exist.", c.RemotePath())
	case hasStatus && isTransientStatus(status):
		s.State = TransientFailure
		s.Message = fmt.Sprintf("The storage service is temporarily unavailable (HTTP %d). Try again shortly.", status)
	case hasStatus:
		s.Message = fmt.Sprintf("The storage service rejected the request (HTTP %d %s).", status, code)
	case err != nil:
		s.Message = "Unexpected error: " + err.Error()
	default:
		s.Message = "Unexpected error."
	}
	return s
}

func (in Interpreter) host(account string) string {
	if in.EndpointHost != nil {
		if h := in.EndpointHost(account); h != "" {
			return h
		}
	}
	return account
}

func isTransientStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		(status >= 500 && status < 600)
}
