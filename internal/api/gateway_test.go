package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hbomb79/Sideline/internal/api"
	"github.com/hbomb79/Sideline/internal/event"
	"github.com/hbomb79/Sideline/internal/state"
)

func newGateway(t *testing.T) (*api.RestGateway, *state.Store, event.EventCoordinator, string) {
	root := t.TempDir()
	store := state.NewStore(root)
	cameraStore := state.NewCameraStore(filepath.Join(root, "camera_state.json"))
	eventBus := event.New()

	gateway := api.NewRestGateway(api.RestConfig{Enabled: true}, store, cameraStore, eventBus)
	return gateway, store, eventBus, root
}

func get(t *testing.T, gateway *api.RestGateway, path string, out any) int {
	recorder := httptest.NewRecorder()
	gateway.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && recorder.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), out))
	}
	return recorder.Code
}

func TestGetHealth(t *testing.T) {
	gateway, _, _, _ := newGateway(t)

	body := map[string]string{}
	assert.Equal(t, http.StatusOK, get(t, gateway, "/api/sideline/v1/health", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestListGroups_ReflectsGroupState(t *testing.T) {
	gateway, store, _, root := newGateway(t)

	groupDir := filepath.Join(root, "2025.04.12-10.00.00")
	require.NoError(t, os.MkdirAll(groupDir, 0o755))
	require.NoError(t, store.SetGroupStatus(groupDir, state.GroupCombined))
	require.NoError(t, store.SetPlaylistName(groupDir, "Hornets 2025"))

	var groups []map[string]any
	assert.Equal(t, http.StatusOK, get(t, gateway, "/api/sideline/v1/groups", &groups))
	require.Len(t, groups, 1)
	assert.Equal(t, "2025.04.12-10.00.00", groups[0]["directory"])
	assert.Equal(t, string(state.GroupCombined), groups[0]["status"])
	assert.Equal(t, "Hornets 2025", groups[0]["playlist_name"])
}

func TestGetStatus_ReportsCameraConnectivity(t *testing.T) {
	gateway, _, _, _ := newGateway(t)

	status := map[string]any{}
	assert.Equal(t, http.StatusOK, get(t, gateway, "/api/sideline/v1/status", &status))
	assert.Equal(t, true, status["camera_connected"], "an empty event log counts as connected")
	assert.Equal(t, float64(0), status["groups"])
}

func TestListActivity_CollectsDispatchedEvents(t *testing.T) {
	gateway, _, eventBus, _ := newGateway(t)

	eventBus.Dispatch(event.GroupUpdate, "/storage/2025.04.12-10.00.00")
	eventBus.Dispatch(event.TaskComplete, "convert:/storage/2025.04.12-10.00.00/a.dav")

	var entries []map[string]any
	assert.Equal(t, http.StatusOK, get(t, gateway, "/api/sideline/v1/activity", &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, string(event.GroupUpdate), entries[0]["event"])
	assert.Equal(t, "/storage/2025.04.12-10.00.00", entries[0]["payload"])
	assert.Equal(t, string(event.TaskComplete), entries[1]["event"])
}
