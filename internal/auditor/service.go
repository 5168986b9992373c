// Package auditor reconciles persisted group state with the work queues.
// It is the pipeline's source of crash tolerance: anything the persisted
// state says should be in flight but is not gets re-emitted, and groups
// stalled on human input get prompted.
package auditor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rjeczalik/notify"

	"github.com/hbomb79/Sideline/internal/ntfy"
	"github.com/hbomb79/Sideline/internal/state"
	"github.com/hbomb79/Sideline/internal/task"
	"github.com/hbomb79/Sideline/pkg/logger"
)

var log = logger.Get("Auditor")

const (
	DefaultScanInterval = time.Second * 60

	// staleDownloadAge is how long a downloading file's partial data may
	// go without growing before the transfer is presumed dead. Active
	// transfers write continuously, so this only trips on orphans left by
	// a crash.
	staleDownloadAge = time.Minute * 5
)

type Config struct {
	ScanIntervalSeconds int `ini:"scan_interval" env:"AUDITOR_SCAN_INTERVAL"`
}

func (c Config) Interval() time.Duration {
	if c.ScanIntervalSeconds <= 0 {
		return DefaultScanInterval
	}

	return time.Second * time.Duration(c.ScanIntervalSeconds)
}

type Service struct {
	config     Config
	stateStore *state.Store
	router     task.Router
	notifier   *ntfy.Notifier
}

func New(config Config, stateStore *state.Store, router task.Router, notifier *ntfy.Notifier) *Service {
	return &Service{config: config, stateStore: stateStore, router: router, notifier: notifier}
}

// Run scans immediately, then on every interval tick and on file system
// activity under the storage root (a person dropping a match_info.ini
// should not have to wait a whole interval).
func (s *Service) Run(ctx context.Context) error {
	fsNotifyChannel := make(chan notify.EventInfo, 64)
	if err := notify.Watch(filepath.Join(s.stateStore.Root(), "..."), fsNotifyChannel, notify.Create, notify.Write, notify.Rename); err != nil {
		log.Warnf("File system watch unavailable, relying on interval scans only: %s\n", err.Error())
	} else {
		defer notify.Stop(fsNotifyChannel)
	}

	ticker := time.NewTicker(s.config.Interval())
	defer ticker.Stop()

	s.Scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Scan(ctx)
		case <-fsNotifyChannel:
			drainPending(fsNotifyChannel)
			s.Scan(ctx)
		}
	}
}

// drainPending swallows the burst of events a single file operation
// tends to produce so one scan covers all of them.
func drainPending(channel chan notify.EventInfo) {
	for {
		select {
		case <-channel:
		default:
			return
		}
	}
}

// Scan audits every group once, re-injecting any work the persisted state
// implies but the queues have lost. Queue-side key dedup makes repeated
// emission of the same work harmless.
func (s *Service) Scan(ctx context.Context) {
	groupDirs, err := s.stateStore.GroupDirs()
	if err != nil {
		log.Errorf("Storage root scan failed: %s\n", err.Error())
		return
	}

	for _, groupDir := range groupDirs {
		if ctx.Err() != nil {
			return
		}

		if err := s.auditGroup(ctx, groupDir); err != nil {
			log.Errorf("Audit of %s failed: %s\n", groupDir, err.Error())
		}
	}
}

func (s *Service) auditGroup(ctx context.Context, groupDir string) error {
	dir, err := s.stateStore.Read(groupDir)
	if err != nil {
		return err
	}

	if dir.Status == state.GroupUploaded || dir.Status == state.GroupFailed {
		return nil
	}

	if err := s.auditFiles(groupDir, dir); err != nil {
		return err
	}

	switch {
	case dir.AllConverted() && !groupReachedCombined(dir.Status):
		log.Infof("Group %s has every segment converted but no combine in flight, re-issuing\n", groupDir)
		return s.router.Dispatch(task.CombineGroup{GroupDir: groupDir})

	case dir.Status == state.GroupCombined:
		return s.auditCombined(ctx, groupDir)

	case dir.Status == state.GroupTrimmed || dir.Status == state.GroupAutocamComplete:
		log.Infof("Group %s is trimmed but not uploaded, re-issuing upload\n", groupDir)
		return s.router.Dispatch(task.UploadGroup{GroupDir: groupDir})
	}

	return nil
}

// auditFiles re-injects per-file work: dead downloads resume from the
// persisted remote path, and downloaded segments missing their MP4
// counterpart get converted. Conversion failures are left alone; a
// corrupt source does not become less corrupt on retry.
func (s *Service) auditFiles(groupDir string, dir *state.Directory) error {
	for localPath, record := range dir.Files {
		if record.Skip {
			continue
		}

		switch record.Status {
		case state.FileQueued, state.FileDownloadFailed:
			if record.RemotePath != "" {
				if err := s.reissueDownload(localPath, record); err != nil {
					return err
				}
			}

		case state.FileDownloading:
			if downloadIsDead(localPath) && record.RemotePath != "" {
				log.Warnf("Download of %s appears abandoned, re-issuing\n", localPath)
				if err := s.reissueDownload(localPath, record); err != nil {
					return err
				}
			}

		case state.FileDownloaded:
			if !existsNonEmpty(mp4Counterpart(localPath)) {
				log.Infof("Segment %s is downloaded but not converted, re-issuing\n", localPath)
				if err := s.router.Dispatch(task.ConvertFile{Path: localPath}); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// auditCombined moves a combined group forward: prompt for match info
// when it is absent or incomplete, otherwise re-issue the trim. The trim
// stage's own idempotence check keeps re-issues cheap.
func (s *Service) auditCombined(ctx context.Context, groupDir string) error {
	info, err := state.LoadMatchInfo(groupDir)
	if errors.Is(err, state.ErrNoMatchInfo) {
		return s.notifier.RequestMatchInfo(ctx, groupDir)
	} else if err != nil {
		return err
	}

	if !info.IsReadyToTrim() {
		return s.notifier.RequestMatchInfo(ctx, groupDir)
	}
	s.notifier.ClearMatchInfoRequest(groupDir)

	start, err := info.StartOffset()
	if err != nil {
		return err
	}
	end, hasEnd, err := info.EndOffset()
	if err != nil {
		return err
	}

	trim := task.TrimGroup{GroupDir: groupDir, StartOffset: start.Seconds()}
	if hasEnd {
		trim.EndOffset = end.Seconds()
	}

	log.Infof("Group %s is combined with complete match info, re-issuing trim\n", groupDir)
	return s.router.Dispatch(trim)
}

func (s *Service) reissueDownload(localPath string, record state.FileRecord) error {
	return s.router.Dispatch(task.Download{
		RemotePath: record.RemotePath,
		LocalPath:  localPath,
		Size:       record.Size,
	})
}

// downloadIsDead reports whether a downloading file has no live writer:
// either its partial data is gone, or it has not grown in a while.
func downloadIsDead(localPath string) bool {
	info, err := os.Stat(localPath)
	if err != nil {
		return true
	}

	return time.Since(info.ModTime()) > staleDownloadAge
}

func groupReachedCombined(status state.GroupStatus) bool {
	switch status {
	case state.GroupCombined, state.GroupTrimmed, state.GroupAutocamComplete, state.GroupUploaded:
		return true
	}

	return false
}

func mp4Counterpart(segmentPath string) string {
	ext := filepath.Ext(segmentPath)
	return segmentPath[:len(segmentPath)-len(ext)] + ".mp4"
}

func existsNonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
