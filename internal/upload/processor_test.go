package upload_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hbomb79/Sideline/internal/event"
	"github.com/hbomb79/Sideline/internal/ntfy"
	"github.com/hbomb79/Sideline/internal/state"
	"github.com/hbomb79/Sideline/internal/task"
	"github.com/hbomb79/Sideline/internal/upload"
	"github.com/hbomb79/Sideline/internal/youtube"
)

type uploadCall struct {
	path       string
	title      string
	playlistID string
}

// fakeUploader records playlist resolutions and uploads.
type fakeUploader struct {
	playlists []string
	uploads   []uploadCall
	uploadErr error
}

func (f *fakeUploader) GetOrCreatePlaylist(_ context.Context, name string) (string, error) {
	f.playlists = append(f.playlists, name)
	return "PL-" + name, nil
}

func (f *fakeUploader) UploadVideo(_ context.Context, path string, title string, _ string, playlistID string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, uploadCall{path: path, title: title, playlistID: playlistID})
	return "video-id", nil
}

type uploadHarness struct {
	uploader *fakeUploader
	store    *state.Store
	groupDir string
	config   upload.Config
}

func newUploadHarness(t *testing.T) *uploadHarness {
	root := t.TempDir()
	groupDir := filepath.Join(root, "2025.04.12-10.00.00")
	require.NoError(t, os.MkdirAll(groupDir, 0o755))

	h := &uploadHarness{
		uploader: &fakeUploader{},
		store:    state.NewStore(root),
		groupDir: groupDir,
		config:   upload.Config{Playlists: map[string]string{}},
	}

	require.NoError(t, h.store.SetGroupStatus(groupDir, state.GroupTrimmed))
	return h
}

func (h *uploadHarness) processor() *upload.Processor {
	// Topic left empty: prompts are logged and dropped, never sent.
	notifier := ntfy.New(ntfy.Config{})
	provider := func(context.Context) (youtube.Uploader, error) { return h.uploader, nil }
	return upload.New(h.config, provider, h.store, notifier, event.New())
}

func (h *uploadHarness) writeMatchInfoAndArtifact(t *testing.T) {
	content := `[MATCH]
my_team_name = Hornets
opponent_team_name = Wanderers
location = Memorial Park
start_time_offset = 00:30
`
	require.NoError(t, os.WriteFile(filepath.Join(h.groupDir, state.MatchInfoFileName), []byte(content), 0o644))

	info, err := state.LoadMatchInfo(h.groupDir)
	require.NoError(t, err)
	groupStart := time.Date(2025, 4, 12, 10, 0, 0, 0, time.Local)
	artifactPath := filepath.Join(h.groupDir, info.ArtifactDirName(groupStart), info.RawArtifactName(groupStart))
	require.NoError(t, os.MkdirAll(filepath.Dir(artifactPath), 0o755))
	require.NoError(t, os.WriteFile(artifactPath, []byte("mp4"), 0o644))
}

func (h *uploadHarness) groupState(t *testing.T) *state.Directory {
	dir, err := h.store.Read(h.groupDir)
	require.NoError(t, err)
	return dir
}

func TestProcessTask_NoPlaylistDefersUpload(t *testing.T) {
	h := newUploadHarness(t)
	h.writeMatchInfoAndArtifact(t)
	// No configured playlist for "Hornets" and none pinned in state.

	err := h.processor().ProcessTask(context.Background(), task.UploadGroup{GroupDir: h.groupDir})
	require.NoError(t, err, "a deferred upload is not a failure")

	assert.Empty(t, h.uploader.uploads, "nothing may upload until a playlist is chosen")
	assert.Equal(t, state.GroupTrimmed, h.groupState(t).Status, "the group stays trimmed so the auditor retries later")
}

func TestProcessTask_ConfiguredTeamPlaylistUploads(t *testing.T) {
	h := newUploadHarness(t)
	h.writeMatchInfoAndArtifact(t)
	h.config.Playlists["hornets"] = "Hornets 2025 Season"

	err := h.processor().ProcessTask(context.Background(), task.UploadGroup{GroupDir: h.groupDir})
	require.NoError(t, err)

	require.Equal(t, []string{"Hornets 2025 Season"}, h.uploader.playlists)
	require.Len(t, h.uploader.uploads, 1)
	assert.Equal(t, "PL-Hornets 2025 Season", h.uploader.uploads[0].playlistID)
	assert.Contains(t, h.uploader.uploads[0].title, "Hornets vs Wanderers")

	dir := h.groupState(t)
	assert.Equal(t, state.GroupUploaded, dir.Status)
	assert.Equal(t, "Hornets 2025 Season", dir.PlaylistName, "the resolved playlist is pinned for future runs")
}

func TestProcessTask_PinnedPlaylistWinsOverConfig(t *testing.T) {
	h := newUploadHarness(t)
	h.writeMatchInfoAndArtifact(t)
	h.config.Playlists["hornets"] = "Config Playlist"
	require.NoError(t, h.store.SetPlaylistName(h.groupDir, "Pinned Playlist"))

	err := h.processor().ProcessTask(context.Background(), task.UploadGroup{GroupDir: h.groupDir})
	require.NoError(t, err)

	assert.Equal(t, []string{"Pinned Playlist"}, h.uploader.playlists)
}

func TestProcessTask_UploadsProcessedSiblingWhenPresent(t *testing.T) {
	h := newUploadHarness(t)
	h.writeMatchInfoAndArtifact(t)
	h.config.Playlists["hornets"] = "Hornets 2025 Season"

	info, err := state.LoadMatchInfo(h.groupDir)
	require.NoError(t, err)
	groupStart := time.Date(2025, 4, 12, 10, 0, 0, 0, time.Local)
	processedPath := filepath.Join(h.groupDir, info.ArtifactDirName(groupStart), info.ProcessedArtifactName(groupStart))
	require.NoError(t, os.WriteFile(processedPath, []byte("processed"), 0o644))

	require.NoError(t, h.processor().ProcessTask(context.Background(), task.UploadGroup{GroupDir: h.groupDir}))

	require.Len(t, h.uploader.uploads, 2)
	assert.Equal(t, processedPath, h.uploader.uploads[1].path)
}

func TestProcessTask_UploadFailureLeavesGroupTrimmed(t *testing.T) {
	h := newUploadHarness(t)
	h.writeMatchInfoAndArtifact(t)
	h.config.Playlists["hornets"] = "Hornets 2025 Season"
	h.uploader.uploadErr = assert.AnError

	err := h.processor().ProcessTask(context.Background(), task.UploadGroup{GroupDir: h.groupDir})
	require.Error(t, err)
	assert.Equal(t, state.GroupTrimmed, h.groupState(t).Status)
}

func TestProcessTask_NoCredentialsDropsTask(t *testing.T) {
	h := newUploadHarness(t)
	h.writeMatchInfoAndArtifact(t)

	provider := func(context.Context) (youtube.Uploader, error) { return nil, youtube.ErrNoCredentials }
	processor := upload.New(h.config, provider, h.store, ntfy.New(ntfy.Config{}), event.New())
	err := processor.ProcessTask(context.Background(), task.UploadGroup{GroupDir: h.groupDir})

	require.NoError(t, err, "missing credentials skip the upload rather than failing it")
	assert.Equal(t, state.GroupTrimmed, h.groupState(t).Status)
}

func TestProcessTask_CredentialsProvisionedWhileRunningArePickedUp(t *testing.T) {
	h := newUploadHarness(t)
	h.writeMatchInfoAndArtifact(t)
	h.config.Playlists["hornets"] = "Hornets 2025 Season"

	// The operator drops the credential files in between the two tasks.
	var provisioned bool
	provider := func(context.Context) (youtube.Uploader, error) {
		if !provisioned {
			return nil, youtube.ErrNoCredentials
		}
		return h.uploader, nil
	}
	processor := upload.New(h.config, provider, h.store, ntfy.New(ntfy.Config{}), event.New())

	require.NoError(t, processor.ProcessTask(context.Background(), task.UploadGroup{GroupDir: h.groupDir}))
	assert.Empty(t, h.uploader.uploads)
	assert.Equal(t, state.GroupTrimmed, h.groupState(t).Status)

	provisioned = true
	require.NoError(t, processor.ProcessTask(context.Background(), task.UploadGroup{GroupDir: h.groupDir}))
	require.Len(t, h.uploader.uploads, 1)
	assert.Equal(t, state.GroupUploaded, h.groupState(t).Status, "no restart is needed once credentials appear")
}
