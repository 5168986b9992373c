package auditor_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hbomb79/Sideline/internal/auditor"
	"github.com/hbomb79/Sideline/internal/ntfy"
	"github.com/hbomb79/Sideline/internal/state"
	"github.com/hbomb79/Sideline/internal/task"
)

type recordingRouter struct {
	tasks []task.Task
}

func (r *recordingRouter) Dispatch(t task.Task) error {
	r.tasks = append(r.tasks, t)
	return nil
}

type auditHarness struct {
	service  *auditor.Service
	router   *recordingRouter
	store    *state.Store
	groupDir string
}

func newAuditHarness(t *testing.T) *auditHarness {
	root := t.TempDir()
	groupDir := filepath.Join(root, "2025.04.12-10.00.00")
	require.NoError(t, os.MkdirAll(groupDir, 0o755))

	router := &recordingRouter{}
	store := state.NewStore(root)
	return &auditHarness{
		service:  auditor.New(auditor.Config{}, store, router, ntfy.New(ntfy.Config{})),
		router:   router,
		store:    store,
		groupDir: groupDir,
	}
}

func (h *auditHarness) seedFile(t *testing.T, name string, status state.FileStatus, writeLocal bool) string {
	localPath := filepath.Join(h.groupDir, name)
	if writeLocal {
		require.NoError(t, os.WriteFile(localPath, []byte("dav"), 0o644))
	}
	require.NoError(t, h.store.EnsureFile(h.groupDir, localPath, "/mnt/dvr/"+name, 3))
	require.NoError(t, h.store.SetFileStatus(h.groupDir, localPath, status, ""))
	return localPath
}

func TestScan_ReissuesConvertForUnconvertedDownload(t *testing.T) {
	h := newAuditHarness(t)
	localPath := h.seedFile(t, "10.00.00-10.10.00.dav", state.FileDownloaded, true)
	// No .mp4 counterpart on disk.

	h.service.Scan(context.Background())

	require.Len(t, h.router.tasks, 1)
	assert.Equal(t, task.ConvertFile{Path: localPath}, h.router.tasks[0])
}

func TestScan_ConvertedCounterpartNeedsNoWork(t *testing.T) {
	h := newAuditHarness(t)
	localPath := h.seedFile(t, "10.00.00-10.10.00.dav", state.FileDownloaded, true)
	mp4 := localPath[:len(localPath)-4] + ".mp4"
	require.NoError(t, os.WriteFile(mp4, []byte("mp4"), 0o644))

	h.service.Scan(context.Background())

	assert.Empty(t, h.router.tasks)
}

func TestScan_ReissuesCombineWhenAllConverted(t *testing.T) {
	h := newAuditHarness(t)
	h.seedFile(t, "10.00.00-10.10.00.dav", state.FileConverted, true)
	require.NoError(t, h.store.SetGroupStatus(h.groupDir, state.GroupDownloaded))

	h.service.Scan(context.Background())

	require.Len(t, h.router.tasks, 1)
	assert.Equal(t, task.CombineGroup{GroupDir: h.groupDir}, h.router.tasks[0])
}

func TestScan_ReissuesTrimWhenCombinedWithCompleteMatchInfo(t *testing.T) {
	h := newAuditHarness(t)
	h.seedFile(t, "10.00.00-10.10.00.dav", state.FileCombined, true)
	require.NoError(t, h.store.SetGroupStatus(h.groupDir, state.GroupCombined))
	content := `[MATCH]
my_team_name = Hornets
opponent_team_name = Wanderers
location = Memorial Park
start_time_offset = 00:30
end_time_offset = 01:00:30
`
	require.NoError(t, os.WriteFile(filepath.Join(h.groupDir, state.MatchInfoFileName), []byte(content), 0o644))

	h.service.Scan(context.Background())

	require.Len(t, h.router.tasks, 1)
	trim, ok := h.router.tasks[0].(task.TrimGroup)
	require.True(t, ok)
	assert.InDelta(t, 30.0, trim.StartOffset, 0.001)
	assert.InDelta(t, 3630.0, trim.EndOffset, 0.001)
}

func TestScan_IncompleteMatchInfoEmitsNoTrim(t *testing.T) {
	h := newAuditHarness(t)
	h.seedFile(t, "10.00.00-10.10.00.dav", state.FileCombined, true)
	require.NoError(t, h.store.SetGroupStatus(h.groupDir, state.GroupCombined))
	// No match_info.ini at all: the group waits on a person.

	h.service.Scan(context.Background())

	assert.Empty(t, h.router.tasks)
}

func TestScan_ReissuesUploadForTrimmedGroup(t *testing.T) {
	h := newAuditHarness(t)
	h.seedFile(t, "10.00.00-10.10.00.dav", state.FileCombined, true)
	require.NoError(t, h.store.SetGroupStatus(h.groupDir, state.GroupTrimmed))

	h.service.Scan(context.Background())

	require.Len(t, h.router.tasks, 1)
	assert.Equal(t, task.UploadGroup{GroupDir: h.groupDir}, h.router.tasks[0])
}

func TestScan_UploadedGroupIsTerminal(t *testing.T) {
	h := newAuditHarness(t)
	h.seedFile(t, "10.00.00-10.10.00.dav", state.FileDownloaded, false)
	require.NoError(t, h.store.SetGroupStatus(h.groupDir, state.GroupUploaded))

	h.service.Scan(context.Background())

	assert.Empty(t, h.router.tasks)
}

func TestScan_ReissuesAbandonedDownloadFromPersistedState(t *testing.T) {
	h := newAuditHarness(t)
	// Status says downloading, but the partial file is gone: classic
	// evidence of a crash mid-transfer.
	localPath := h.seedFile(t, "10.00.00-10.10.00.dav", state.FileDownloading, false)

	h.service.Scan(context.Background())

	require.Len(t, h.router.tasks, 1)
	download, ok := h.router.tasks[0].(task.Download)
	require.True(t, ok)
	assert.Equal(t, localPath, download.LocalPath)
	assert.Equal(t, "/mnt/dvr/10.00.00-10.10.00.dav", download.RemotePath)
	assert.Equal(t, int64(3), download.Size)
}

func TestScan_FreshDownloadIsLeftAlone(t *testing.T) {
	h := newAuditHarness(t)
	// The partial file exists with a fresh mtime: a live transfer.
	h.seedFile(t, "10.00.00-10.10.00.dav", state.FileDownloading, true)

	h.service.Scan(context.Background())

	assert.Empty(t, h.router.tasks)
}

func TestScan_SkippedFilesAreIgnored(t *testing.T) {
	h := newAuditHarness(t)
	localPath := h.seedFile(t, "10.00.00-10.10.00.dav", state.FileDownloadFailed, false)
	require.NoError(t, h.store.Update(h.groupDir, func(dir *state.Directory) error {
		record := dir.Files[localPath]
		record.Skip = true
		dir.Files[localPath] = record
		return nil
	}))

	h.service.Scan(context.Background())

	assert.Empty(t, h.router.tasks)
}
