// Package download implements the stage that pulls recording segments
// from the camera to local storage, one file at a time.
package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hbomb79/Sideline/internal/camera"
	"github.com/hbomb79/Sideline/internal/event"
	"github.com/hbomb79/Sideline/internal/state"
	"github.com/hbomb79/Sideline/internal/task"
	"github.com/hbomb79/Sideline/pkg/logger"
)

var log = logger.Get("Download")

type Processor struct {
	camera     camera.Camera
	stateStore *state.Store
	router     task.Router
	eventBus   event.EventDispatcher
}

func New(cam camera.Camera, stateStore *state.Store, router task.Router, eventBus event.EventDispatcher) *Processor {
	return &Processor{camera: cam, stateStore: stateStore, router: router, eventBus: eventBus}
}

// ProcessTask downloads one segment. On success the file advances to
// downloaded and a convert task is handed to the video stage; on failure
// the file is marked download_failed and the task is dropped (the
// Auditor owns retries). A cancellation mid-transfer leaves the partial
// file and the downloading status in place for recovery on restart.
func (p *Processor) ProcessTask(ctx context.Context, t task.Task) error {
	download, ok := t.(task.Download)
	if !ok {
		return fmt.Errorf("download stage received unsupported task type '%s'", t.Type())
	}

	groupDir := filepath.Dir(download.LocalPath)
	if err := os.MkdirAll(groupDir, os.ModeDir|os.ModePerm); err != nil {
		return fmt.Errorf("failed to create group directory %s: %w", groupDir, err)
	}

	if err := p.stateStore.EnsureFile(groupDir, download.LocalPath, download.RemotePath, download.Size); err != nil {
		return err
	}
	if err := p.stateStore.Update(groupDir, func(dir *state.Directory) error {
		record := dir.Files[download.LocalPath]
		record.Status = state.FileDownloading
		record.LastError = ""
		dir.Files[download.LocalPath] = record

		if dir.Status == state.GroupPending {
			dir.Status = state.GroupDownloading
		}
		return nil
	}); err != nil {
		return err
	}
	p.eventBus.Dispatch(event.GroupUpdate, groupDir)

	if err := p.camera.DownloadFile(ctx, download.RemotePath, download.LocalPath); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			// Shutdown truncated the transfer; leave the downloading
			// status so the Auditor re-issues this file on restart.
			return err
		}

		return p.failFile(groupDir, download.LocalPath, err)
	}

	if download.Size > 0 {
		info, err := os.Stat(download.LocalPath)
		if err != nil {
			return p.failFile(groupDir, download.LocalPath, err)
		}
		if info.Size() != download.Size {
			return p.failFile(groupDir, download.LocalPath, fmt.Errorf("size mismatch: got %d bytes, camera reported %d", info.Size(), download.Size))
		}
	}

	if err := p.stateStore.Update(groupDir, func(dir *state.Directory) error {
		record := dir.Files[download.LocalPath]
		record.Status = state.FileDownloaded
		record.LastError = ""
		dir.Files[download.LocalPath] = record

		if allDownloaded(dir) {
			dir.Status = state.GroupDownloaded
		}
		return nil
	}); err != nil {
		return err
	}
	p.eventBus.Dispatch(event.GroupUpdate, groupDir)

	log.Emit(logger.SUCCESS, "Downloaded %s\n", download.LocalPath)
	return p.router.Dispatch(task.ConvertFile{Path: download.LocalPath})
}

func (p *Processor) failFile(groupDir string, localPath string, cause error) error {
	if err := p.stateStore.Update(groupDir, func(dir *state.Directory) error {
		record := dir.Files[localPath]
		record.Status = state.FileDownloadFailed
		record.LastError = cause.Error()
		dir.Files[localPath] = record
		return nil
	}); err != nil {
		log.Errorf("Failed to record download failure for %s: %s\n", localPath, err.Error())
	}
	p.eventBus.Dispatch(event.GroupUpdate, groupDir)

	return fmt.Errorf("download of %s failed: %w", localPath, cause)
}

// allDownloaded reports whether every non-skipped file has made it at
// least to the downloaded status.
func allDownloaded(dir *state.Directory) bool {
	active := 0
	for _, record := range dir.Files {
		if record.Skip {
			continue
		}

		active++
		switch record.Status {
		case state.FileDownloaded, state.FileConverted, state.FileCombined:
		default:
			return false
		}
	}

	return active > 0
}
