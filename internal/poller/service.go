// Package poller discovers new recordings on the camera and seeds the
// download stage.
package poller

import (
	"context"
	"os"
	gopath "path"
	"path/filepath"
	"sort"
	"time"

	"github.com/hbomb79/Sideline/internal/camera"
	"github.com/hbomb79/Sideline/internal/event"
	"github.com/hbomb79/Sideline/internal/recording"
	"github.com/hbomb79/Sideline/internal/state"
	"github.com/hbomb79/Sideline/internal/task"
	"github.com/hbomb79/Sideline/pkg/logger"
)

var log = logger.Get("Poller")

const DefaultPollInterval = time.Second * 60

type Config struct {
	PollIntervalSeconds int `ini:"poll_interval" env:"CAMERA_POLL_INTERVAL"`
}

func (c Config) Interval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return DefaultPollInterval
	}

	return time.Second * time.Duration(c.PollIntervalSeconds)
}

// Service polls the camera index on an interval, assigns newly observed
// segments to groups via the proximity rule and emits download tasks.
type Service struct {
	config      Config
	storageRoot string
	camera      camera.Camera
	router      task.Router
	cameraStore *state.CameraStore
	stateStore  *state.Store
	eventBus    event.EventDispatcher
}

func New(config Config, storageRoot string, cam camera.Camera, router task.Router, cameraStore *state.CameraStore, stateStore *state.Store, eventBus event.EventDispatcher) *Service {
	return &Service{
		config:      config,
		storageRoot: storageRoot,
		camera:      cam,
		router:      router,
		cameraStore: cameraStore,
		stateStore:  stateStore,
		eventBus:    eventBus,
	}
}

// Run polls immediately and then on every interval tick until the
// context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval())
	defer ticker.Stop()

	s.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.PollOnce(ctx)
		}
	}
}

// PollOnce performs one discovery pass; Run invokes it on every tick.
// Any camera failure aborts the pass and leaves the watermark untouched;
// the next pass retries.
func (s *Service) PollOnce(ctx context.Context) {
	cameraState, err := s.cameraStore.Load()
	if err != nil {
		log.Errorf("Failed to load camera state: %s\n", err.Error())
		return
	}

	if !s.camera.CheckAvailability(ctx) {
		if cameraState.Connected() {
			message := "camera availability check failed"
			if err := s.cameraStore.RecordEvent(state.EventDisconnected, message); err != nil {
				log.Errorf("Failed to record disconnect event: %s\n", err.Error())
			}
			s.eventBus.Dispatch(event.CameraDisconnected, message)
			log.Warnf("Camera is unreachable\n")
		}
		return
	}

	if !cameraState.Connected() {
		if err := s.cameraStore.RecordEvent(state.EventConnected, "camera reachable again"); err != nil {
			log.Errorf("Failed to record connect event: %s\n", err.Error())
		}
		s.eventBus.Dispatch(event.CameraConnected, "camera reachable again")
		log.Emit(logger.SUCCESS, "Camera connection restored\n")
	}

	watermark := cameraState.LastSeenEndTime
	if watermark.IsZero() {
		now := time.Now()
		watermark = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	}

	segments, err := s.camera.ListRecordings(ctx, watermark, time.Now())
	if err != nil {
		log.Errorf("Recording index query failed: %s\n", err.Error())
		return
	}

	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Start.Before(segments[j].Start) })

	assigner := &recording.Assigner{}
	if cameraState.LastGroup != "" {
		if groupStart, err := recording.ParseGroupDir(filepath.Base(cameraState.LastGroup)); err == nil {
			assigner.Seed(groupStart, cameraState.LastSeenEndTime)
		}
	}

	newestEnd := time.Time{}
	lastGroupDir := cameraState.LastGroup
	emitted := 0
	for _, segment := range segments {
		if !segment.End.After(watermark) {
			continue
		}

		groupStart := assigner.Assign(segment)
		groupDir := filepath.Join(s.storageRoot, recording.FormatGroupDir(groupStart))
		localPath := filepath.Join(groupDir, gopath.Base(segment.RemotePath))

		if segment.End.After(newestEnd) {
			newestEnd = segment.End
			lastGroupDir = groupDir
		}

		if _, err := os.Stat(localPath); err == nil {
			log.Debugf("Segment %s already downloaded, skipping\n", localPath)
			continue
		}

		if err := os.MkdirAll(groupDir, os.ModeDir|os.ModePerm); err != nil {
			log.Errorf("Failed to create group directory %s: %s\n", groupDir, err.Error())
			return
		}
		if err := s.stateStore.EnsureFile(groupDir, localPath, segment.RemotePath, segment.Size); err != nil {
			log.Errorf("Failed to register %s in group state: %s\n", localPath, err.Error())
			return
		}

		download := task.Download{
			RemotePath: segment.RemotePath,
			LocalPath:  localPath,
			StartTime:  segment.Start,
			EndTime:    segment.End,
			Size:       segment.Size,
			Metadata:   segment.Metadata,
		}
		if err := s.router.Dispatch(download); err != nil {
			log.Errorf("Failed to dispatch download for %s: %s\n", localPath, err.Error())
			return
		}

		emitted++
	}

	if !newestEnd.IsZero() {
		if err := s.cameraStore.SetWatermark(newestEnd, lastGroupDir); err != nil {
			log.Errorf("Failed to persist watermark: %s\n", err.Error())
			return
		}
	}

	if emitted > 0 {
		log.Emit(logger.NEW, "Discovered %d new segment(s)\n", emitted)
	}
}
