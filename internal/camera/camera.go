// Package camera defines the narrow contract the pipeline consumes from
// an IP camera, and a factory selecting the vendor implementation by the
// configured camera type.
package camera

import (
	"context"
	"fmt"
	"time"

	"github.com/hbomb79/Sideline/internal/recording"
)

// Camera is the collaborator contract. Implementations are single-owner:
// callers must not overlap sessions between the poller and the downloader.
type Camera interface {
	// CheckAvailability reports whether the camera is reachable right now.
	CheckAvailability(ctx context.Context) bool

	// ListRecordings returns the camera-side recording index for segments
	// whose end time falls inside (since, until].
	ListRecordings(ctx context.Context, since time.Time, until time.Time) ([]recording.Segment, error)

	// DownloadFile streams one remote recording to the local path.
	DownloadFile(ctx context.Context, remotePath string, localPath string) error

	Close() error
}

type Config struct {
	Type     string `ini:"type" env:"CAMERA_TYPE" validate:"required"`
	Host     string `ini:"host" env:"CAMERA_HOST" validate:"required"`
	Port     int    `ini:"port" env:"CAMERA_PORT"`
	Username string `ini:"username" env:"CAMERA_USERNAME"`
	Password string `ini:"password" env:"CAMERA_PASSWORD"`
	Channel  int    `ini:"channel" env:"CAMERA_CHANNEL"`
}

// New selects and constructs the camera implementation for the
// configured type. Unknown types are a fatal configuration error.
func New(config Config) (Camera, error) {
	switch config.Type {
	case "dahua":
		return newDahuaCamera(config), nil
	default:
		return nil, fmt.Errorf("unknown camera type '%s'", config.Type)
	}
}
