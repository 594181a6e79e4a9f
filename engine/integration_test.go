package engine_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"

	"github.com/franksops/sharesync/engine"
	"github.com/franksops/sharesync/mirror"
	"github.com/franksops/sharesync/provider"
	"github.com/franksops/sharesync/store"
	"github.com/franksops/sharesync/transfer"
)

// diskFixture runs the queue against real directories: one local tree and
// one share root laid out as <root>/<account>/<share>.
type diskFixture struct {
	localDir string
	shareDir string
	local    *provider.LocalProvider
	share    *provider.FsShare
	queue    *engine.Queue
}

func newDiskFixture(t *testing.T, workers int) *diskFixture {
	t.Helper()
	localDir := t.TempDir()
	shareRoot := t.TempDir()
	shareDir := filepath.Join(shareRoot, "acct", "share")
	if err := os.MkdirAll(shareDir, 0755); err != nil {
		t.Fatalf("Failed to create share dir: %v", err)
	}

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger, _ := test.NewNullLogger()
	local := provider.NewLocalProvider(afero.NewOsFs())
	share := provider.NewFsShare(afero.NewBasePathFs(afero.NewOsFs(), shareRoot), provider.WithContentHashes(true))
	exec := engine.NewExecutor(local, share, st,
		engine.WithLogger(logger),
		engine.WithDefaults(engine.Defaults{ChunkSize: engine.MinChunkSize, MaxConcurrency: 4}))
	q := engine.NewQueue(context.Background(), exec, st,
		engine.WithWorkers(workers),
		engine.WithJournal(engine.NewJobTracker(st, engine.DefaultCheckpointConfig, nil)),
		engine.WithQueueLogger(logger))
	t.Cleanup(q.Close)

	return &diskFixture{localDir: localDir, shareDir: shareDir, local: local, share: share, queue: q}
}

func (f *diskFixture) remote(p string) transfer.RemotePath {
	return transfer.RemotePath{Account: "acct", Share: "share", Path: p}
}

// waitAll waits until every job settles and fails the test unless all
// completed.
func (f *diskFixture) waitAll(t *testing.T, ids ...string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for _, id := range ids {
		for {
			s, ok := f.queue.Get(id)
			if !ok {
				t.Fatalf("Job %s disappeared", id)
			}
			if s.Status == transfer.StatusCompleted {
				break
			}
			if s.Status.Terminal() {
				t.Fatalf("Job %s ended %s: %s", id, s.Status, s.Message)
			}
			if time.Now().After(deadline) {
				t.Fatalf("Job %s stuck in %s", id, s.Status)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func content(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

// TestUploadDownloadRoundTrip moves a multi-chunk file to the share and back.
func TestUploadDownloadRoundTrip(t *testing.T) {
	f := newDiskFixture(t, 2)
	data := content(5*engine.MinChunkSize + 123)
	src := filepath.Join(f.localDir, "big.bin")
	if err := os.WriteFile(src, data, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	up, err := f.queue.Enqueue(transfer.Request{
		Direction: transfer.Upload,
		LocalPath: src,
		Remote:    f.remote("nested/big.bin"),
		Conflict:  transfer.ConflictAsk,
	})
	if err != nil {
		t.Fatalf("Enqueue upload: %v", err)
	}
	f.waitAll(t, up)

	uploaded, err := os.ReadFile(filepath.Join(f.shareDir, "nested", "big.bin"))
	if err != nil {
		t.Fatalf("Failed to read uploaded file: %v", err)
	}
	if !bytes.Equal(uploaded, data) {
		t.Errorf("Uploaded content mismatch")
	}

	dst := filepath.Join(f.localDir, "copy", "big.bin")
	down, err := f.queue.Enqueue(transfer.Request{
		Direction: transfer.Download,
		LocalPath: dst,
		Remote:    f.remote("nested/big.bin"),
		Conflict:  transfer.ConflictAsk,
	})
	if err != nil {
		t.Fatalf("Enqueue download: %v", err)
	}
	f.waitAll(t, down)

	downloaded, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("Failed to read downloaded file: %v", err)
	}
	if !bytes.Equal(downloaded, data) {
		t.Errorf("Downloaded content mismatch")
	}

	remoteInfo, err := os.Stat(filepath.Join(f.shareDir, "nested", "big.bin"))
	if err != nil {
		t.Fatalf("Failed to stat uploaded file: %v", err)
	}
	localInfo, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("Failed to stat downloaded file: %v", err)
	}
	if !localInfo.ModTime().Equal(remoteInfo.ModTime()) {
		t.Errorf("Expected mtime %v, got %v", remoteInfo.ModTime(), localInfo.ModTime())
	}
}

// TestConcurrentUploads runs more jobs than workers.
func TestConcurrentUploads(t *testing.T) {
	f := newDiskFixture(t, 3)

	numFiles := 10
	ids := make([]string, 0, numFiles)
	for i := 0; i < numFiles; i++ {
		name := fmt.Sprintf("file%d.txt", i)
		if err := os.WriteFile(filepath.Join(f.localDir, name), []byte("content for "+name), 0644); err != nil {
			t.Fatalf("Failed to create test file %d: %v", i, err)
		}
		id, err := f.queue.Enqueue(transfer.Request{
			Direction: transfer.Upload,
			LocalPath: filepath.Join(f.localDir, name),
			Remote:    f.remote("batch/" + name),
			Conflict:  transfer.ConflictOverwrite,
		})
		if err != nil {
			t.Fatalf("Enqueue %s: %v", name, err)
		}
		ids = append(ids, id)
	}
	f.waitAll(t, ids...)

	for i := 0; i < numFiles; i++ {
		name := fmt.Sprintf("file%d.txt", i)
		got, err := os.ReadFile(filepath.Join(f.shareDir, "batch", name))
		if err != nil {
			t.Errorf("Destination file missing: %s", name)
			continue
		}
		if string(got) != "content for "+name {
			t.Errorf("Content mismatch for %s: %q", name, got)
		}
	}
}

// TestMirrorUploadConverges applies a mirror and checks a second plan has
// nothing left to do.
func TestMirrorUploadConverges(t *testing.T) {
	f := newDiskFixture(t, 3)
	old := time.Now().Add(-time.Hour)
	for _, rel := range []string{"a.txt", "sub/b.txt", "sub/deeper/c.txt"} {
		p := filepath.Join(f.localDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("Failed to create dir: %v", err)
		}
		if err := os.WriteFile(p, []byte(rel), 0644); err != nil {
			t.Fatalf("Failed to create %s: %v", rel, err)
		}
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatalf("Failed to set mtime: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(f.shareDir, "stale.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to create remote file: %v", err)
	}

	logger, _ := test.NewNullLogger()
	planner := mirror.NewPlanner(mirror.NewWalker(f.local, f.share, 2), logger)
	spec := mirror.Spec{
		Direction:      transfer.Upload,
		LocalRoot:      f.localDir,
		RemoteRoot:     f.remote(""),
		IncludeDeletes: true,
	}
	ctx := context.Background()

	plan, err := planner.BuildPlan(ctx, spec)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if plan.Creates != 3 || plan.Deletes != 1 {
		t.Fatalf("Expected 3 creates and 1 delete, got %+v", plan)
	}

	res, err := mirror.Execute(ctx, plan, f.queue, mirror.ExecuteOptions{
		ApplyDeletes:  true,
		RemoteDeleter: f.share,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	f.waitAll(t, res.JobIDs...)

	again, err := planner.BuildPlan(ctx, spec)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if again.Creates+again.Updates+again.Deletes != 0 {
		t.Errorf("Expected a converged mirror, got %+v", again.Items)
	}
}
