// Package api exposes a small read-only HTTP surface for inspecting the
// pipeline: group states, camera connectivity and a recent-activity feed.
// It is disabled unless explicitly enabled in configuration.
package api

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hbomb79/Sideline/internal/event"
	"github.com/hbomb79/Sideline/internal/state"
	"github.com/hbomb79/Sideline/pkg/logger"
)

var log = logger.Get("API")

const activityFeedCapacity = 256

type RestConfig struct {
	Enabled  bool   `ini:"enabled" env:"API_ENABLED"`
	HostAddr string `ini:"host_address" env:"API_HOST_ADDR" env-default:"127.0.0.1:8555"`
}

type (
	activityEntry struct {
		At      time.Time `json:"at"`
		Event   string    `json:"event"`
		Payload string    `json:"payload"`
	}

	groupDto struct {
		Directory    string                      `json:"directory"`
		Status       state.GroupStatus           `json:"status"`
		PlaylistName string                      `json:"playlist_name,omitempty"`
		Files        map[string]state.FileRecord `json:"files"`
	}

	statusDto struct {
		CameraConnected bool      `json:"camera_connected"`
		LastSeenEndTime time.Time `json:"last_seen_end_time"`
		Groups          int       `json:"groups"`
	}

	// RestGateway is a thin wrapper around the Echo router. It only
	// reads pipeline state; all mutation flows through the queues.
	RestGateway struct {
		config      RestConfig
		ec          *echo.Echo
		stateStore  *state.Store
		cameraStore *state.CameraStore

		activityMu sync.Mutex
		activity   []activityEntry
	}
)

// NewRestGateway constructs the router and subscribes to the event bus
// so the activity feed fills up as the pipeline works.
func NewRestGateway(config RestConfig, stateStore *state.Store, cameraStore *state.CameraStore, eventBus event.EventHandler) *RestGateway {
	ec := echo.New()
	ec.HidePort = true
	ec.HideBanner = true

	gateway := &RestGateway{
		config:      config,
		ec:          ec,
		stateStore:  stateStore,
		cameraStore: cameraStore,
		activity:    make([]activityEntry, 0, activityFeedCapacity),
	}

	ec.Use(middleware.Recover())

	ec.GET("/api/sideline/v1/health", gateway.getHealth)
	ec.GET("/api/sideline/v1/status", gateway.getStatus)
	ec.GET("/api/sideline/v1/groups", gateway.listGroups)
	ec.GET("/api/sideline/v1/activity", gateway.listActivity)

	for _, ev := range []event.Event{event.CameraConnected, event.CameraDisconnected, event.GroupUpdate, event.TaskComplete} {
		eventBus.RegisterHandlerFunction(ev, gateway.recordActivity)
	}

	return gateway
}

// Run serves until the context is cancelled. A disabled gateway blocks
// until cancellation so the orchestrator can treat it like any other
// service.
func (gateway *RestGateway) Run(ctx context.Context) error {
	if !gateway.config.Enabled {
		<-ctx.Done()
		return nil
	}

	go func() {
		<-ctx.Done()
		gateway.ec.Close()
	}()

	log.Infof("Status gateway listening on %s\n", gateway.config.HostAddr)
	if err := gateway.ec.Start(gateway.config.HostAddr); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// ServeHTTP exposes the router directly, primarily for tests.
func (gateway *RestGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gateway.ec.ServeHTTP(w, r)
}

func (gateway *RestGateway) getHealth(ec echo.Context) error {
	return ec.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (gateway *RestGateway) getStatus(ec echo.Context) error {
	cameraState, err := gateway.cameraStore.Load()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	groupDirs, err := gateway.stateStore.GroupDirs()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.JSON(http.StatusOK, statusDto{
		CameraConnected: cameraState.Connected(),
		LastSeenEndTime: cameraState.LastSeenEndTime,
		Groups:          len(groupDirs),
	})
}

func (gateway *RestGateway) listGroups(ec echo.Context) error {
	groupDirs, err := gateway.stateStore.GroupDirs()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	dtos := make([]groupDto, 0, len(groupDirs))
	for _, groupDir := range groupDirs {
		dir, err := gateway.stateStore.Read(groupDir)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}

		dtos = append(dtos, groupDto{
			Directory:    filepath.Base(groupDir),
			Status:       dir.Status,
			PlaylistName: dir.PlaylistName,
			Files:        dir.Files,
		})
	}

	return ec.JSON(http.StatusOK, dtos)
}

func (gateway *RestGateway) listActivity(ec echo.Context) error {
	gateway.activityMu.Lock()
	defer gateway.activityMu.Unlock()

	entries := make([]activityEntry, len(gateway.activity))
	copy(entries, gateway.activity)
	return ec.JSON(http.StatusOK, entries)
}

// recordActivity appends to the bounded feed, discarding the oldest
// entry once full.
func (gateway *RestGateway) recordActivity(ev event.Event, payload event.Payload) {
	message, _ := payload.(string)

	gateway.activityMu.Lock()
	defer gateway.activityMu.Unlock()

	if len(gateway.activity) >= activityFeedCapacity {
		gateway.activity = gateway.activity[1:]
	}
	gateway.activity = append(gateway.activity, activityEntry{At: time.Now(), Event: string(ev), Payload: message})
}
