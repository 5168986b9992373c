// Package ffmpeg wraps the external transcoder collaborator. The
// pipeline's video stage talks to it exclusively through the Transcoder
// interface so tests can substitute a fake.
package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/floostack/transcoder"
	"github.com/floostack/transcoder/ffmpeg"
	"github.com/hbomb79/Sideline/pkg/logger"
)

var log = logger.Get("FFmpeg")

// DurationTolerance is the epsilon for duration equality checks between
// a source segment and its transcoded or trimmed counterpart.
const DurationTolerance = time.Millisecond * 500

type Config struct {
	FfmpegBinPath  string `ini:"ffmpeg_path" env:"FFMPEG_PATH"`
	FfprobeBinPath string `ini:"ffprobe_path" env:"FFPROBE_PATH"`
}

// Transcoder is the contract the video stage consumes: run one external
// process at a time and probe container durations.
type Transcoder interface {
	// Convert transcodes a camera segment to MP4: video stream copied,
	// audio re-encoded losslessly.
	Convert(ctx context.Context, src string, dst string) error

	// Trim stream-copies a window out of src. A zero duration means
	// "from start offset to the end of the file".
	Trim(ctx context.Context, src string, dst string, start time.Duration, duration time.Duration) error

	// Concat stream-copy concatenates the inputs, in order, into dst.
	Concat(ctx context.Context, inputs []string, manifestPath string, dst string) error

	// ProbeDuration reports the container duration of the file,
	// retrying a zero or failed probe before giving up.
	ProbeDuration(ctx context.Context, path string) (time.Duration, error)
}

type executor struct {
	config Config
}

func New(config Config) Transcoder {
	return &executor{config: config}
}

func (e *executor) Convert(ctx context.Context, src string, dst string) error {
	videoCodec, audioCodec := "copy", "alac"
	overwrite := true

	return e.run(ctx, src, dst, ffmpeg.Options{
		VideoCodec: &videoCodec,
		AudioCodec: &audioCodec,
		Overwrite:  &overwrite,
	})
}

func (e *executor) Trim(ctx context.Context, src string, dst string, start time.Duration, duration time.Duration) error {
	videoCodec, audioCodec := "copy", "copy"
	overwrite := true
	seek := formatSeconds(start)

	options := ffmpeg.Options{
		SeekTime:   &seek,
		VideoCodec: &videoCodec,
		AudioCodec: &audioCodec,
		Overwrite:  &overwrite,
	}
	if duration > 0 {
		window := formatSeconds(duration)
		options.Duration = &window
	}

	return e.run(ctx, src, dst, options)
}

func (e *executor) run(ctx context.Context, src string, dst string, options ffmpeg.Options) error {
	if err := os.MkdirAll(filepath.Dir(dst), os.ModeDir|os.ModePerm); err != nil {
		return err
	}

	instance := ffmpeg.
		New(&ffmpeg.Config{
			ProgressEnabled: true,
			FfmpegBinPath:   e.config.FfmpegBinPath,
			FfprobeBinPath:  e.config.FfprobeBinPath,
		}).
		Input(src).
		Output(dst).
		WithContext(&ctx)

	progressChannel, err := instance.Start(options)
	if err != nil {
		return fmt.Errorf("ffmpeg failed for %s: %w", src, err)
	}

	for {
		prog, ok := <-progressChannel
		if !ok {
			return nil
		}

		log.Verbosef("Transcoding %s: %.1f%% (speed %s)\n", filepath.Base(src), prog.GetProgress(), prog.GetSpeed())
	}
}

func (e *executor) probeOnce(path string) (time.Duration, error) {
	instance := ffmpeg.New(&ffmpeg.Config{
		FfmpegBinPath:  e.config.FfmpegBinPath,
		FfprobeBinPath: e.config.FfprobeBinPath,
	}).Input(path)

	metadata, err := instance.GetMetadata()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	return parseDuration(metadata)
}

// ProbeDuration retries a failed or zero probe twice with backoff; the
// probe is known to report zero on a file the muxer has only just closed.
func (e *executor) ProbeDuration(ctx context.Context, path string) (time.Duration, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Second * time.Duration(attempt)):
			}
		}

		duration, err := e.probeOnce(path)
		if err == nil && duration > 0 {
			return duration, nil
		}

		if err == nil {
			err = fmt.Errorf("probe of %s reported zero duration", path)
		}
		lastErr = err
		log.Debugf("Probe attempt %d for %s failed: %s\n", attempt+1, path, err.Error())
	}

	return 0, lastErr
}

func parseDuration(metadata transcoder.Metadata) (time.Duration, error) {
	raw := strings.TrimSpace(metadata.GetFormat().GetDuration())
	seconds, err := time.ParseDuration(raw + "s")
	if err != nil {
		return 0, fmt.Errorf("probe returned unparseable duration '%s'", raw)
	}

	return seconds, nil
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}
