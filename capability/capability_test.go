package capability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/sharesync/provider"
	"github.com/franksops/sharesync/transfer"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

var valid = Context{Account: "acct", Share: "docs", Path: "team"}

func assertAllOff(t *testing.T, s Snapshot) {
	t.Helper()
	assert.False(t, s.CanBrowse || s.CanUpload || s.CanDownload || s.CanPlan || s.CanExecute,
		"capabilities must be off for %s", s.State)
}

func TestInterpret_InvalidSelection(t *testing.T) {
	s := Interpreter{}.Interpret(errors.New("whatever"), Context{Account: "acct"}, now)
	assert.Equal(t, InvalidSelection, s.State)
	assertAllOff(t, s)
	assert.NotEmpty(t, s.Message)
}

func TestInterpret_DNSFailureInsideAggregate(t *testing.T) {
	dns := &net.DNSError{Err: "no such host", Name: "acct.example.net", IsNotFound: true}
	err := errors.Join(errors.New("first attempt"), fmt.Errorf("dial: %w", dns))

	in := Interpreter{EndpointHost: func(account string) string { return account + ".example.net" }}
	s := in.Interpret(err, valid, now)
	assert.Equal(t, EndpointUnavailable, s.State)
	assert.Equal(t, EndpointNotResolvedCode, s.ErrorCode)
	assert.Contains(t, s.Message, "acct.example.net")
	assertAllOff(t, s)
}

func TestInterpret_Classification(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		state  AccessState
		status int
	}{
		{
			name:   "authorization mismatch",
			err:    &provider.RequestError{StatusCode: 403, Code: "AuthorizationPermissionMismatch"},
			state:  PermissionDenied,
			status: 403,
		},
		{
			name:   "s3 access denied",
			err:    fmt.Errorf("list: %w", &provider.RequestError{StatusCode: 403, Code: "AccessDenied", Err: &smithy.GenericAPIError{Code: "AccessDenied"}}),
			state:  PermissionDenied,
			status: 403,
		},
		{
			name:   "forbidden with another code",
			err:    &provider.RequestError{StatusCode: 403, Code: "AccountDisabled"},
			state:  Unknown,
			status: 403,
		},
		{
			name:   "not found",
			err:    &provider.RequestError{StatusCode: 404, Code: "ShareNotFound"},
			state:  NotFound,
			status: 404,
		},
		{name: "timeout", err: &provider.RequestError{StatusCode: 408}, state: TransientFailure, status: 408},
		{name: "throttled", err: &provider.RequestError{StatusCode: 429}, state: TransientFailure, status: 429},
		{name: "server busy", err: &provider.RequestError{StatusCode: 503, Code: "ServerBusy"}, state: TransientFailure, status: 503},
		{name: "bad request", err: &provider.RequestError{StatusCode: 400, Code: "InvalidUri"}, state: Unknown, status: 400},
		{name: "plain error", err: errors.New("boom"), state: Unknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := Interpreter{}.Interpret(tc.err, valid, now)
			assert.Equal(t, tc.state, s.State)
			assert.Equal(t, tc.status, s.HTTPStatus)
			assert.NotEmpty(t, s.Message)
			assert.Equal(t, now, s.EvaluatedAt)
			assertAllOff(t, s)
		})
	}
}

func TestInterpret_PermissionMessageNamesGrants(t *testing.T) {
	s := Interpreter{}.Interpret(&provider.RequestError{StatusCode: 403, Code: "AccessDenied"}, valid, now)
	assert.Contains(t, s.Message, "s3:ListBucket")
	assert.Contains(t, s.Message, "acct/docs/team")
}

type countingLister struct {
	probes atomic.Int32
	err    error
}

func (l *countingLister) ListDirectory(ctx context.Context, dir transfer.RemotePath) ([]provider.Entry, error) {
	page, err := l.ListDirectoryPage(ctx, dir, "", 0)
	return page.Entries, err
}

func (l *countingLister) ListDirectoryPage(ctx context.Context, dir transfer.RemotePath, token string, pageSize int) (provider.Page, error) {
	l.probes.Add(1)
	return provider.Page{}, l.err
}

func newTestService(lister provider.RemoteLister, clock clockwork.Clock) *Service {
	logger, _ := test.NewNullLogger()
	return NewService(lister, WithClock(clock), WithLogger(logger))
}

func TestService_EvaluateCachesWithinTTL(t *testing.T) {
	lister := &countingLister{}
	clock := clockwork.NewFakeClockAt(now)
	svc := newTestService(lister, clock)
	ctx := context.Background()

	first := svc.Evaluate(ctx, valid)
	second := svc.Evaluate(ctx, valid)
	assert.Equal(t, int32(1), lister.probes.Load())
	assert.Equal(t, first, second)
	assert.Equal(t, Accessible, first.State)
	assert.True(t, first.CanBrowse && first.CanUpload && first.CanDownload && first.CanPlan && first.CanExecute)
	assert.Empty(t, first.Message)

	clock.Advance(DefaultTTL)
	svc.Evaluate(ctx, valid)
	assert.Equal(t, int32(2), lister.probes.Load(), "expired entries are probed again")
}

func TestService_RefreshAlwaysProbes(t *testing.T) {
	lister := &countingLister{}
	clock := clockwork.NewFakeClockAt(now)
	svc := newTestService(lister, clock)
	ctx := context.Background()

	svc.Evaluate(ctx, valid)
	lister.err = &provider.RequestError{StatusCode: 403, Code: "AuthorizationPermissionMismatch"}
	clock.Advance(time.Second)

	s := svc.Refresh(ctx, valid)
	assert.Equal(t, int32(2), lister.probes.Load())
	assert.Equal(t, PermissionDenied, s.State)

	cached, ok := svc.GetLastKnown(valid)
	require.True(t, ok)
	assert.Equal(t, s, cached)
	assert.Equal(t, PermissionDenied, svc.Evaluate(ctx, valid).State)
	assert.Equal(t, int32(2), lister.probes.Load())
}

func TestService_InvalidContextIsNotCachedOrProbed(t *testing.T) {
	lister := &countingLister{}
	svc := newTestService(lister, clockwork.NewFakeClockAt(now))

	bad := Context{Share: "docs"}
	assert.Equal(t, InvalidSelection, svc.Evaluate(context.Background(), bad).State)
	assert.Equal(t, InvalidSelection, svc.Refresh(context.Background(), bad).State)
	assert.Zero(t, lister.probes.Load())
	_, ok := svc.GetLastKnown(bad)
	assert.False(t, ok)
}

func TestService_KeyIncludesPathAndProfile(t *testing.T) {
	lister := &countingLister{}
	svc := newTestService(lister, clockwork.NewFakeClockAt(now))
	ctx := context.Background()

	svc.Evaluate(ctx, valid)
	other := valid
	other.Profile = "prod"
	svc.Evaluate(ctx, other)
	sub := valid
	sub.Path = "team/sub"
	svc.Evaluate(ctx, sub)
	assert.Equal(t, int32(3), lister.probes.Load())

	// Separator differences do not create new entries.
	same := valid
	same.Path = "/team/"
	svc.Evaluate(ctx, same)
	assert.Equal(t, int32(3), lister.probes.Load())

	_, ok := svc.GetLastKnown(Context{Account: "acct", Share: "never"})
	assert.False(t, ok)
}

type hostLister struct{ countingLister }

func (*hostLister) EndpointHost(account string) string { return account + ".blob.example" }

func TestService_UsesListerEndpointHost(t *testing.T) {
	lister := &hostLister{}
	lister.err = &net.DNSError{Err: "no such host", Name: "acct.blob.example"}
	svc := newTestService(lister, clockwork.NewFakeClockAt(now))

	s := svc.Evaluate(context.Background(), valid)
	assert.Equal(t, EndpointUnavailable, s.State)
	assert.Contains(t, s.Message, "acct.blob.example")
}
