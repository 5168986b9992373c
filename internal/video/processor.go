// Package video implements the stage executing Convert, Combine and
// Trim tasks against the external transcoder.
package video

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hbomb79/Sideline/internal/event"
	"github.com/hbomb79/Sideline/internal/ffmpeg"
	"github.com/hbomb79/Sideline/internal/recording"
	"github.com/hbomb79/Sideline/internal/state"
	"github.com/hbomb79/Sideline/internal/task"
	"github.com/hbomb79/Sideline/pkg/logger"
)

var log = logger.Get("Video")

const (
	CombinedFileName = "combined.mp4"
	manifestFileName = "filelist.txt"
)

type Processor struct {
	transcoder ffmpeg.Transcoder
	stateStore *state.Store
	router     task.Router
	eventBus   event.EventDispatcher
}

func New(transcoder ffmpeg.Transcoder, stateStore *state.Store, router task.Router, eventBus event.EventDispatcher) *Processor {
	return &Processor{transcoder: transcoder, stateStore: stateStore, router: router, eventBus: eventBus}
}

func (p *Processor) ProcessTask(ctx context.Context, t task.Task) error {
	switch v := t.(type) {
	case task.ConvertFile:
		return p.convert(ctx, v)
	case task.CombineGroup:
		return p.combine(ctx, v)
	case task.TrimGroup:
		return p.trim(ctx, v)
	default:
		return fmt.Errorf("video stage received unsupported task type '%s'", t.Type())
	}
}

// convert transcodes one segment to MP4 and verifies the result against
// the source duration. When the final segment of a group converts, the
// group's combine task is emitted.
func (p *Processor) convert(ctx context.Context, t task.ConvertFile) error {
	groupDir := filepath.Dir(t.Path)
	target := MP4Counterpart(t.Path)

	if err := p.transcoder.Convert(ctx, t.Path, target); err != nil {
		if ctx.Err() != nil {
			// Shutdown interrupted the transcode; leave the file at
			// downloaded so the Auditor re-issues the conversion.
			return err
		}

		return p.failConvert(groupDir, t.Path, err)
	}

	if err := p.verifyConversion(ctx, t.Path, target); err != nil {
		return p.failConvert(groupDir, t.Path, err)
	}

	allConverted := false
	if err := p.stateStore.Update(groupDir, func(dir *state.Directory) error {
		record := dir.Files[t.Path]
		record.Status = state.FileConverted
		record.LastError = ""
		dir.Files[t.Path] = record

		allConverted = dir.AllConverted()
		return nil
	}); err != nil {
		return err
	}
	p.eventBus.Dispatch(event.GroupUpdate, groupDir)

	log.Emit(logger.SUCCESS, "Converted %s\n", target)
	if allConverted {
		return p.router.Dispatch(task.CombineGroup{GroupDir: groupDir})
	}

	return nil
}

// verifyConversion enforces the duration post-condition: both files
// probe successfully and their durations agree within tolerance. The
// probe itself retries, because ffprobe reports zero on freshly closed
// files.
func (p *Processor) verifyConversion(ctx context.Context, src string, dst string) error {
	if !existsNonEmpty(dst) {
		return fmt.Errorf("converted file %s is missing or empty", dst)
	}

	srcDuration, err := p.transcoder.ProbeDuration(ctx, src)
	if err != nil {
		return err
	}
	dstDuration, err := p.transcoder.ProbeDuration(ctx, dst)
	if err != nil {
		return err
	}

	if diff := absDuration(srcDuration - dstDuration); diff > ffmpeg.DurationTolerance {
		return fmt.Errorf("duration mismatch for %s: source %s, converted %s", dst, srcDuration, dstDuration)
	}

	return nil
}

// combine concatenates the group's converted segments, ordered by their
// embedded start times, into combined.mp4. The pre-condition is strict:
// a single missing counterpart fails the task without side effects.
func (p *Processor) combine(ctx context.Context, t task.CombineGroup) error {
	dir, err := p.stateStore.Read(t.GroupDir)
	if err != nil {
		return err
	}

	segments := dir.ActivePaths()
	if len(segments) == 0 {
		return fmt.Errorf("group %s has no active files to combine", t.GroupDir)
	}

	inputs := make([]string, 0, len(segments))
	for _, segment := range segments {
		counterpart := MP4Counterpart(segment)
		if !existsNonEmpty(counterpart) {
			return fmt.Errorf("cannot combine %s: %s is missing or empty", t.GroupDir, counterpart)
		}
		inputs = append(inputs, counterpart)
	}
	recording.SortSegmentPaths(inputs)

	combined := filepath.Join(t.GroupDir, CombinedFileName)
	manifest := filepath.Join(t.GroupDir, manifestFileName)
	if err := p.transcoder.Concat(ctx, inputs, manifest, combined); err != nil {
		return fmt.Errorf("combine of %s failed: %w", t.GroupDir, err)
	}

	if err := p.stateStore.Update(t.GroupDir, func(dir *state.Directory) error {
		for _, segment := range segments {
			record := dir.Files[segment]
			record.Status = state.FileCombined
			dir.Files[segment] = record
		}
		dir.Status = state.GroupCombined
		return nil
	}); err != nil {
		return err
	}
	p.eventBus.Dispatch(event.GroupUpdate, t.GroupDir)

	log.Emit(logger.SUCCESS, "Combined %d segment(s) into %s\n", len(inputs), combined)
	return p.emitTrimIfReady(t.GroupDir)
}

// emitTrimIfReady dispatches the trim task when match_info.ini is fully
// filled in; otherwise the group is left for the Auditor to pick up once
// the human side catches up.
func (p *Processor) emitTrimIfReady(groupDir string) error {
	info, err := state.LoadMatchInfo(groupDir)
	if errors.Is(err, state.ErrNoMatchInfo) {
		log.Infof("Group %s combined but has no match info yet\n", groupDir)
		return nil
	} else if err != nil {
		return err
	}

	if !info.IsReadyToTrim() {
		log.Infof("Group %s combined but match info is incomplete\n", groupDir)
		return nil
	}

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

	return p.router.Dispatch(trim)
}

// trim cuts the combined artifact down to the match window. An output
// that already exists with the expected duration short-circuits to
// success without spawning the transcoder or emitting further work.
func (p *Processor) trim(ctx context.Context, t task.TrimGroup) error {
	combined := filepath.Join(t.GroupDir, CombinedFileName)
	if !existsNonEmpty(combined) {
		return fmt.Errorf("cannot trim %s: combined artifact is missing or empty", t.GroupDir)
	}

	info, err := state.LoadMatchInfo(t.GroupDir)
	if err != nil {
		return fmt.Errorf("cannot trim %s: %w", t.GroupDir, err)
	}
	if !info.IsReadyToTrim() {
		return fmt.Errorf("cannot trim %s: match info is incomplete", t.GroupDir)
	}

	groupStart, err := recording.ParseGroupDir(filepath.Base(t.GroupDir))
	if err != nil {
		return err
	}

	start := secondsToDuration(t.StartOffset)
	var window time.Duration
	if t.EndOffset > 0 {
		window = secondsToDuration(t.EndOffset) - start
		if window <= 0 {
			return fmt.Errorf("cannot trim %s: end offset precedes start offset", t.GroupDir)
		}
	}

	target := window
	if target == 0 {
		combinedDuration, err := p.transcoder.ProbeDuration(ctx, combined)
		if err != nil {
			return err
		}
		target = combinedDuration - start
	}

	outputPath := filepath.Join(t.GroupDir, info.ArtifactDirName(groupStart), info.RawArtifactName(groupStart))
	if existsNonEmpty(outputPath) {
		existing, err := p.transcoder.ProbeDuration(ctx, outputPath)
		if err == nil && absDuration(existing-target) <= ffmpeg.DurationTolerance {
			log.Infof("Trimmed artifact %s already present with expected duration, skipping\n", outputPath)
			return p.markTrimmed(t.GroupDir)
		}
	}

	if err := p.transcoder.Trim(ctx, combined, outputPath, start, window); err != nil {
		return fmt.Errorf("trim of %s failed: %w", t.GroupDir, err)
	}

	if err := p.markTrimmed(t.GroupDir); err != nil {
		return err
	}

	log.Emit(logger.SUCCESS, "Trimmed %s into %s\n", combined, outputPath)
	return p.router.Dispatch(task.UploadGroup{GroupDir: t.GroupDir})
}

func (p *Processor) markTrimmed(groupDir string) error {
	if err := p.stateStore.SetGroupStatus(groupDir, state.GroupTrimmed); err != nil {
		return err
	}
	p.eventBus.Dispatch(event.GroupUpdate, groupDir)
	return nil
}

func (p *Processor) failConvert(groupDir string, path string, cause error) error {
	if err := p.stateStore.Update(groupDir, func(dir *state.Directory) error {
		record := dir.Files[path]
		record.Status = state.FileConvertFailed
		record.LastError = cause.Error()
		dir.Files[path] = record
		return nil
	}); err != nil {
		log.Errorf("Failed to record convert failure for %s: %s\n", path, err.Error())
	}
	p.eventBus.Dispatch(event.GroupUpdate, groupDir)

	return fmt.Errorf("conversion of %s failed: %w", path, cause)
}

// MP4Counterpart maps a downloaded segment path to its transcoded
// counterpart's path.
func MP4Counterpart(segmentPath string) string {
	return strings.TrimSuffix(segmentPath, filepath.Ext(segmentPath)) + ".mp4"
}

func existsNonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
