package poller_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hbomb79/Sideline/internal/event"
	"github.com/hbomb79/Sideline/internal/poller"
	"github.com/hbomb79/Sideline/internal/recording"
	"github.com/hbomb79/Sideline/internal/state"
	"github.com/hbomb79/Sideline/internal/task"
)

type fakeCamera struct {
	available bool
	segments  []recording.Segment
	listErr   error
}

func (f *fakeCamera) CheckAvailability(context.Context) bool { return f.available }

func (f *fakeCamera) ListRecordings(_ context.Context, since time.Time, _ time.Time) ([]recording.Segment, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}

	out := make([]recording.Segment, 0, len(f.segments))
	for _, segment := range f.segments {
		if segment.End.After(since) {
			out = append(out, segment)
		}
	}
	return out, nil
}

func (f *fakeCamera) DownloadFile(context.Context, string, string) error { return nil }
func (f *fakeCamera) Close() error                                      { return nil }

type recordingRouter struct {
	tasks []task.Task
}

func (r *recordingRouter) Dispatch(t task.Task) error {
	r.tasks = append(r.tasks, t)
	return nil
}

type pollerHarness struct {
	service     *poller.Service
	camera      *fakeCamera
	router      *recordingRouter
	cameraStore *state.CameraStore
	storageRoot string
}

func newPollerHarness(t *testing.T) *pollerHarness {
	root := t.TempDir()
	cam := &fakeCamera{available: true}
	router := &recordingRouter{}
	cameraStore := state.NewCameraStore(filepath.Join(root, "camera_state.json"))
	stateStore := state.NewStore(root)

	return &pollerHarness{
		service:     poller.New(poller.Config{}, root, cam, router, cameraStore, stateStore, event.New()),
		camera:      cam,
		router:      router,
		cameraStore: cameraStore,
		storageRoot: root,
	}
}

func segment(start time.Time, length time.Duration, remote string) recording.Segment {
	return recording.Segment{RemotePath: remote, Start: start, End: start.Add(length), Size: 100}
}

func TestPollOnce_RecordsDisconnectOnlyOnTransition(t *testing.T) {
	h := newPollerHarness(t)
	h.camera.available = false

	h.service.PollOnce(context.Background())
	h.service.PollOnce(context.Background())

	cs, err := h.cameraStore.Load()
	require.NoError(t, err)
	require.Len(t, cs.ConnectionEvents, 1, "repeated failed checks must not spam the event log")
	assert.Equal(t, state.EventDisconnected, cs.ConnectionEvents[0].EventType)

	// Reconnection is a transition and gets logged.
	h.camera.available = true
	h.service.PollOnce(context.Background())

	cs, err = h.cameraStore.Load()
	require.NoError(t, err)
	require.Len(t, cs.ConnectionEvents, 2)
	assert.Equal(t, state.EventConnected, cs.ConnectionEvents[1].EventType)
}

func TestPollOnce_GroupsSegmentsByProximityAndAdvancesWatermark(t *testing.T) {
	h := newPollerHarness(t)

	base := time.Date(time.Now().Year(), time.Now().Month(), time.Now().Day(), 10, 0, 0, 0, time.Local)
	h.camera.segments = []recording.Segment{
		segment(base, time.Minute*10, "/mnt/dvr/a.dav"),
		// 3s gap: same group.
		segment(base.Add(time.Minute*10+time.Second*3), time.Minute*10, "/mnt/dvr/b.dav"),
		// 57s gap: new group.
		segment(base.Add(time.Minute*21), time.Minute*5, "/mnt/dvr/c.dav"),
	}

	h.service.PollOnce(context.Background())

	require.Len(t, h.router.tasks, 3)
	firstGroup := filepath.Join(h.storageRoot, recording.FormatGroupDir(base))
	secondGroup := filepath.Join(h.storageRoot, recording.FormatGroupDir(base.Add(time.Minute*21)))

	downloads := make([]task.Download, 0, 3)
	for _, dispatched := range h.router.tasks {
		dl, ok := dispatched.(task.Download)
		require.True(t, ok)
		downloads = append(downloads, dl)
	}

	assert.Equal(t, filepath.Join(firstGroup, "a.dav"), downloads[0].LocalPath)
	assert.Equal(t, filepath.Join(firstGroup, "b.dav"), downloads[1].LocalPath)
	assert.Equal(t, filepath.Join(secondGroup, "c.dav"), downloads[2].LocalPath)

	cs, err := h.cameraStore.Load()
	require.NoError(t, err)
	assert.True(t, cs.LastSeenEndTime.Equal(base.Add(time.Minute*26)), "watermark must advance to the newest segment end")
	assert.Equal(t, secondGroup, cs.LastGroup)
}

func TestPollOnce_AlreadyDownloadedSegmentIsSkipped(t *testing.T) {
	h := newPollerHarness(t)

	base := time.Date(time.Now().Year(), time.Now().Month(), time.Now().Day(), 10, 0, 0, 0, time.Local)
	h.camera.segments = []recording.Segment{segment(base, time.Minute*10, "/mnt/dvr/a.dav")}

	groupDir := filepath.Join(h.storageRoot, recording.FormatGroupDir(base))
	require.NoError(t, os.MkdirAll(groupDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(groupDir, "a.dav"), []byte("already here"), 0o644))

	h.service.PollOnce(context.Background())

	assert.Empty(t, h.router.tasks, "a segment already on disk must not be re-downloaded")

	cs, err := h.cameraStore.Load()
	require.NoError(t, err)
	assert.True(t, cs.LastSeenEndTime.Equal(base.Add(time.Minute*10)), "the watermark still advances past skipped segments")
}

func TestPollOnce_IndexFailureLeavesWatermarkUntouched(t *testing.T) {
	h := newPollerHarness(t)
	require.NoError(t, h.cameraStore.SetWatermark(time.Date(2025, 4, 12, 9, 0, 0, 0, time.Local), ""))

	h.camera.listErr = assert.AnError
	h.service.PollOnce(context.Background())

	assert.Empty(t, h.router.tasks)
	cs, err := h.cameraStore.Load()
	require.NoError(t, err)
	assert.True(t, cs.LastSeenEndTime.Equal(time.Date(2025, 4, 12, 9, 0, 0, 0, time.Local)))
}
