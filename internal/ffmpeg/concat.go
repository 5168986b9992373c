package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Concat performs a stream-copy concatenation of the ordered inputs via
// the concat demuxer. Any pre-existing manifest or output is removed
// first so a re-run can never accumulate duplicate entries.
func (e *executor) Concat(ctx context.Context, inputs []string, manifestPath string, dst string) error {
	if len(inputs) == 0 {
		return errors.New("cannot concatenate an empty input list")
	}

	for _, stale := range []string{manifestPath, dst} {
		if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale %s: %w", stale, err)
		}
	}

	var manifest strings.Builder
	for _, input := range inputs {
		fmt.Fprintf(&manifest, "file '%s'\n", strings.ReplaceAll(input, "'", `'\''`))
	}
	if err := os.WriteFile(manifestPath, []byte(manifest.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write concat manifest: %w", err)
	}

	binary := e.config.FfmpegBinPath
	if binary == "" {
		binary = "ffmpeg"
	}

	cmd := exec.CommandContext(ctx, binary,
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", manifestPath,
		"-c", "copy",
		dst,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("concat failed: %w: %s", err, tailOf(stderr.String()))
	}

	return nil
}

// tailOf trims ffmpeg's banner-heavy stderr down to the last few lines,
// which is where the actionable error lives.
func tailOf(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}

	return strings.Join(lines, " | ")
}
