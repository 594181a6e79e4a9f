package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/sharesync/capability"
	"github.com/franksops/sharesync/engine"
	"github.com/franksops/sharesync/mirror"
	"github.com/franksops/sharesync/provider"
	"github.com/franksops/sharesync/transfer"
)

// blockingRunner holds every job Running until its context ends.
type blockingRunner struct{}

func (blockingRunner) EstimateSize(context.Context, transfer.Request) (int64, error) {
	return 100, nil
}

func (blockingRunner) Execute(ctx context.Context, _ string, _ transfer.Request, _ *transfer.Checkpoint, progress engine.ProgressFunc) error {
	progress(10, 100)
	<-ctx.Done()
	return ctx.Err()
}

type fixture struct {
	queue  *engine.Queue
	server *httptest.Server
	fs     afero.Fs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()

	q := engine.NewQueue(context.Background(), blockingRunner{}, nil, engine.WithQueueLogger(logger))

	fs := afero.NewMemMapFs()
	share := provider.NewFsShare(fs)
	local := provider.NewLocalProvider(fs)
	require.NoError(t, fs.MkdirAll("/acct/share/docs", 0755))
	require.NoError(t, afero.WriteFile(fs, "/acct/share/docs/remote-only.txt", []byte("r"), 0644))
	require.NoError(t, fs.MkdirAll("/home/docs", 0755))
	require.NoError(t, afero.WriteFile(fs, "/home/docs/a.txt", []byte("aaa"), 0644))

	svc := capability.NewService(share,
		capability.WithLogger(logger),
		capability.WithClock(clockwork.NewFakeClock()))
	planner := mirror.NewPlanner(mirror.NewWalker(local, share, 0), logger)

	srv := NewServer(q,
		WithLogger(logger),
		WithCapability(svc),
		WithPlanner(planner, mirror.ExecuteOptions{LocalDeleter: local, RemoteDeleter: share}))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		q.Close()
	})
	return &fixture{queue: q, server: ts, fs: fs}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func uploadRequest() transfer.Request {
	return transfer.Request{
		Direction: transfer.Upload,
		LocalPath: "/home/docs/a.txt",
		Remote:    transfer.RemotePath{Account: "acct", Share: "share", Path: "docs/a.txt"},
		Conflict:  transfer.ConflictOverwrite,
	}
}

func TestJobsLifecycle(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/jobs?start=false", uploadRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created transfer.Snapshot
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, transfer.StatusPaused, created.Status)

	resp, body = f.do(t, http.MethodPost, "/jobs", uploadRequest())
	require.Equal(t, http.StatusOK, resp.StatusCode, "an active duplicate returns the existing job")
	var existing transfer.Snapshot
	require.NoError(t, json.Unmarshal(body, &existing))
	assert.Equal(t, created.ID, existing.ID)

	resp, _ = f.do(t, http.MethodPost, "/jobs/"+created.ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/jobs/"+created.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, func() bool {
		s, _ := f.queue.Get(created.ID)
		return s.Status == transfer.StatusRunning
	}, 5*time.Second, 5*time.Millisecond)

	resp, body = f.do(t, http.MethodGet, "/jobs/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var running transfer.Snapshot
	require.NoError(t, json.Unmarshal(body, &running))
	assert.Equal(t, transfer.StatusRunning, running.Status)

	resp, _ = f.do(t, http.MethodPost, "/jobs/"+created.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, _ := f.do(t, http.MethodDelete, "/jobs/"+created.ID, nil)
		return resp.StatusCode == http.StatusNoContent
	}, 5*time.Second, 10*time.Millisecond)

	resp, _ = f.do(t, http.MethodGet, "/jobs/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/jobs/nope/pause", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/jobs", transfer.Request{Direction: "Sideways"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/jobs", strings.NewReader("{"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/jobs?start=maybe", uploadRequest())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, f.queue.Snapshot())
}

func TestPauseAllAndRunQueued(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/jobs", uploadRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var s transfer.Snapshot
	require.NoError(t, json.Unmarshal(body, &s))

	resp, _ = f.do(t, http.MethodPost, "/jobs/pause-all", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Eventually(t, func() bool {
		got, _ := f.queue.Get(s.ID)
		return got.Status == transfer.StatusPaused
	}, 5*time.Second, 5*time.Millisecond)

	resp, body = f.do(t, http.MethodPost, "/jobs/run-queued", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"started":1}`, string(body))

	resp, body = f.do(t, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []transfer.Snapshot
	require.NoError(t, json.Unmarshal(body, &all))
	assert.Len(t, all, 1)
}

func TestCapability(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/capability?account=acct&share=share&path=docs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap capability.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, capability.Accessible, snap.State)
	assert.True(t, snap.CanUpload)

	resp, body = f.do(t, http.MethodPost, "/capability/refresh?account=acct&share=missing", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, capability.NotFound, snap.State)
	assert.False(t, snap.CanBrowse)
}

func TestMirrorPlanAndApply(t *testing.T) {
	f := newFixture(t)
	spec := mirror.Spec{
		Direction:      transfer.Upload,
		LocalRoot:      "/home/docs",
		RemoteRoot:     transfer.RemotePath{Account: "acct", Share: "share", Path: "docs"},
		IncludeDeletes: true,
	}

	resp, body := f.do(t, http.MethodPost, "/mirror/plan", spec)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var plan mirror.Plan
	require.NoError(t, json.Unmarshal(body, &plan))
	assert.Equal(t, 1, plan.Creates)
	assert.Equal(t, 1, plan.Deletes)

	resp, body = f.do(t, http.MethodPost, "/mirror/apply", applyRequest{Spec: spec, ApplyDeletes: true, Paused: true})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out applyResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Len(t, out.Result.JobIDs, 1)
	assert.Equal(t, 1, out.Result.Deleted)

	exists, err := afero.Exists(f.fs, "/acct/share/docs/remote-only.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	got, ok := f.queue.Get(out.Result.JobIDs[0])
	require.True(t, ok)
	assert.Equal(t, transfer.StatusPaused, got.Status)
	assert.Equal(t, transfer.ConflictOverwrite, got.Request.Conflict)
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)

	id, err := f.queue.Enqueue(uploadRequest())
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var first transfer.Snapshot
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, id, first.ID, "the stream starts with the current jobs")

	require.NoError(t, f.queue.Cancel(id))
	for {
		var s transfer.Snapshot
		require.NoError(t, conn.ReadJSON(&s))
		if s.ID == id && s.Status == transfer.StatusCanceled {
			break
		}
	}
}
