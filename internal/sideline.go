// Package internal wires the recording pipeline together: the camera
// poller, the three durable work queues with their stages, the state
// auditor and the optional status gateway.
package internal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hbomb79/Sideline/internal/api"
	"github.com/hbomb79/Sideline/internal/auditor"
	"github.com/hbomb79/Sideline/internal/camera"
	"github.com/hbomb79/Sideline/internal/download"
	"github.com/hbomb79/Sideline/internal/event"
	"github.com/hbomb79/Sideline/internal/ffmpeg"
	"github.com/hbomb79/Sideline/internal/ntfy"
	"github.com/hbomb79/Sideline/internal/poller"
	"github.com/hbomb79/Sideline/internal/queue"
	"github.com/hbomb79/Sideline/internal/state"
	"github.com/hbomb79/Sideline/internal/task"
	"github.com/hbomb79/Sideline/internal/upload"
	"github.com/hbomb79/Sideline/internal/video"
	"github.com/hbomb79/Sideline/internal/youtube"
	"github.com/hbomb79/Sideline/pkg/logger"
)

var log = logger.Get("Core")

const cameraStateFileName = "camera_state.json"

type RunnableService interface {
	Run(context.Context) error
}

// Sideline is the top-level object of the pipeline, responsible for
// constructing every service and running them until shutdown.
type Sideline struct {
	config   SidelineConfig
	eventBus event.EventCoordinator

	camera      camera.Camera
	stateStore  *state.Store
	cameraStore *state.CameraStore
	notifier    *ntfy.Notifier
	router      *queue.Router

	downloadQueue *queue.Processor
	videoQueue    *queue.Processor
	uploadQueue   *queue.Processor

	pollerService  RunnableService
	auditorService RunnableService
	restGateway    RunnableService
}

// New constructs the full pipeline from configuration. An unknown camera
// type or an unreadable queue state file is a fatal construction error;
// missing YouTube credentials are not (uploads are skipped until the
// credential files appear under the configured directory).
func New(ctx context.Context, config SidelineConfig) (*Sideline, error) {
	if err := os.MkdirAll(config.StorageRoot, os.ModeDir|os.ModePerm); err != nil {
		return nil, fmt.Errorf("storage root %s could not be created: %w", config.StorageRoot, err)
	}

	cam, err := camera.New(config.Camera)
	if err != nil {
		return nil, err
	}

	s := &Sideline{
		config:      config,
		eventBus:    event.New(),
		camera:      cam,
		stateStore:  state.NewStore(config.StorageRoot),
		cameraStore: state.NewCameraStore(filepath.Join(config.StorageRoot, cameraStateFileName)),
		notifier:    ntfy.New(config.Ntfy),
		router:      queue.NewRouter(),
	}

	ytConfig := config.youtubeConfig()
	uploaderProvider := func(ctx context.Context) (youtube.Uploader, error) {
		return youtube.New(ctx, ytConfig)
	}

	transcoder := ffmpeg.New(config.Ffmpeg)

	downloadStage := download.New(cam, s.stateStore, s.router, s.eventBus)
	videoStage := video.New(transcoder, s.stateStore, s.router, s.eventBus)
	uploadStage := upload.New(upload.Config{Playlists: config.Playlists}, uploaderProvider, s.stateStore, s.notifier, s.eventBus)

	queues := []struct {
		label     string
		queueType task.QueueType
		handler   queue.Handler
		target    **queue.Processor
	}{
		{"DownloadQueue", task.DownloadQueue, downloadStage, &s.downloadQueue},
		{"VideoQueue", task.VideoQueue, videoStage, &s.videoQueue},
		{"UploadQueue", task.UploadQueue, uploadStage, &s.uploadQueue},
	}
	for _, q := range queues {
		statePath := filepath.Join(config.StorageRoot, string(q.queueType)+"_queue_state.json")
		processor, err := queue.New(q.label, statePath, q.handler)
		if err != nil {
			return nil, err
		}

		processor.SetEventSink(s.eventBus)
		s.router.Register(q.queueType, processor)
		*q.target = processor
	}

	s.pollerService = poller.New(config.Poller, config.StorageRoot, cam, s.router, s.cameraStore, s.stateStore, s.eventBus)
	s.auditorService = auditor.New(config.Auditor, s.stateStore, s.router, s.notifier)
	s.restGateway = api.NewRestGateway(config.Api, s.stateStore, s.cameraStore, s.eventBus)

	return s, nil
}

// Run brings up every service and blocks until the context is cancelled
// or a service crashes. Work interrupted by shutdown is recovered from
// the durable queues and the persisted group state on the next start.
func (s *Sideline) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var crashErr error
	var crashOnce sync.Once
	crashHandler := func(label string, err error) {
		crashOnce.Do(func() { crashErr = err })
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	wg := &sync.WaitGroup{}
	s.spawnAsyncService(ctx, wg, s.downloadQueue, "download-queue", crashHandler)
	s.spawnAsyncService(ctx, wg, s.videoQueue, "video-queue", crashHandler)
	s.spawnAsyncService(ctx, wg, s.uploadQueue, "upload-queue", crashHandler)
	s.spawnAsyncService(ctx, wg, s.pollerService, "camera-poller", crashHandler)
	s.spawnAsyncService(ctx, wg, s.auditorService, "state-auditor", crashHandler)
	s.spawnAsyncService(ctx, wg, s.restGateway, "rest-gateway", crashHandler)
	log.Emit(logger.SUCCESS, "Sideline services spawned!\n")

	wg.Wait()

	if err := s.camera.Close(); err != nil {
		log.Warnf("Failed to close camera session: %s\n", err.Error())
	}

	return crashErr
}

// spawnAsyncService runs the service as its own goroutine, translating
// panics and returned errors into a pipeline-wide shutdown.
func (s *Sideline) spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(ctx); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}
