package download_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hbomb79/Sideline/internal/download"
	"github.com/hbomb79/Sideline/internal/event"
	"github.com/hbomb79/Sideline/internal/recording"
	"github.com/hbomb79/Sideline/internal/state"
	"github.com/hbomb79/Sideline/internal/task"
)

// fakeCamera writes the given payload as the downloaded file, or fails
// with downloadErr.
type fakeCamera struct {
	payload     []byte
	downloadErr error
}

func (f *fakeCamera) CheckAvailability(context.Context) bool { return true }

func (f *fakeCamera) ListRecordings(context.Context, time.Time, time.Time) ([]recording.Segment, error) {
	return nil, nil
}

func (f *fakeCamera) DownloadFile(_ context.Context, _ string, localPath string) error {
	if f.downloadErr != nil {
		return f.downloadErr
	}
	return os.WriteFile(localPath, f.payload, 0o644)
}

func (f *fakeCamera) Close() error { return nil }

type recordingRouter struct {
	tasks []task.Task
}

func (r *recordingRouter) Dispatch(t task.Task) error {
	r.tasks = append(r.tasks, t)
	return nil
}

func setup(t *testing.T, camera *fakeCamera) (*download.Processor, *recordingRouter, *state.Store, string) {
	root := t.TempDir()
	groupDir := filepath.Join(root, "2025.04.12-10.00.00")
	router := &recordingRouter{}
	store := state.NewStore(root)

	return download.New(camera, store, router, event.New()), router, store, groupDir
}

func downloadTask(groupDir string) task.Download {
	return task.Download{
		RemotePath: "/mnt/dvr/10.00.00-10.10.00.dav",
		LocalPath:  filepath.Join(groupDir, "10.00.00-10.10.00.dav"),
		Size:       4,
	}
}

func TestProcessTask_SuccessfulDownloadEmitsConvert(t *testing.T) {
	processor, router, store, groupDir := setup(t, &fakeCamera{payload: []byte("data")})
	dl := downloadTask(groupDir)

	require.NoError(t, processor.ProcessTask(context.Background(), dl))

	dir, err := store.Read(groupDir)
	require.NoError(t, err)
	assert.Equal(t, state.FileDownloaded, dir.Files[dl.LocalPath].Status)
	assert.Equal(t, state.GroupDownloaded, dir.Status)

	require.Len(t, router.tasks, 1)
	assert.Equal(t, task.ConvertFile{Path: dl.LocalPath}, router.tasks[0])
}

func TestProcessTask_SizeMismatchMarksDownloadFailed(t *testing.T) {
	processor, router, store, groupDir := setup(t, &fakeCamera{payload: []byte("trunc")})
	dl := downloadTask(groupDir)
	dl.Size = 9999

	err := processor.ProcessTask(context.Background(), dl)
	require.Error(t, err)

	dir, err := store.Read(groupDir)
	require.NoError(t, err)
	record := dir.Files[dl.LocalPath]
	assert.Equal(t, state.FileDownloadFailed, record.Status)
	assert.Contains(t, record.LastError, "size mismatch")
	assert.Empty(t, router.tasks, "a failed download must not trigger a conversion")
}

func TestProcessTask_TransferErrorMarksDownloadFailed(t *testing.T) {
	processor, router, store, groupDir := setup(t, &fakeCamera{downloadErr: errors.New("connection reset")})
	dl := downloadTask(groupDir)

	err := processor.ProcessTask(context.Background(), dl)
	require.Error(t, err)

	dir, err := store.Read(groupDir)
	require.NoError(t, err)
	assert.Equal(t, state.FileDownloadFailed, dir.Files[dl.LocalPath].Status)
	assert.Empty(t, router.tasks)
}

func TestProcessTask_CancellationLeavesDownloadingStatus(t *testing.T) {
	processor, _, store, groupDir := setup(t, &fakeCamera{downloadErr: context.Canceled})
	dl := downloadTask(groupDir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := processor.ProcessTask(ctx, dl)
	require.Error(t, err)

	dir, err := store.Read(groupDir)
	require.NoError(t, err)
	assert.Equal(t, state.FileDownloading, dir.Files[dl.LocalPath].Status,
		"an interrupted transfer stays 'downloading' so the auditor recovers it on restart")
}
