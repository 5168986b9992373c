package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	gosync "sync"
	"time"

	"github.com/hbomb79/Sideline/pkg/flock"
)

const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

// ConnectionEvent is one entry of the camera connect/disconnect log.
type ConnectionEvent struct {
	EventDatetime time.Time `json:"event_datetime"`
	EventType     string    `json:"event_type"`
	Message       string    `json:"message,omitempty"`
}

// CameraState is the process-wide camera_state.json document: the
// connection event log plus the poller's discovery watermark. LastGroup
// lets the proximity rule bridge a process restart.
type CameraState struct {
	ConnectionEvents []ConnectionEvent `json:"connection_events"`
	LastSeenEndTime  time.Time         `json:"last_seen_end_time"`
	LastGroup        string            `json:"last_group,omitempty"`
}

// Connected reports whether the most recent logged event was a
// successful connection. An empty log counts as connected so the first
// failure is always recorded.
func (c *CameraState) Connected() bool {
	if len(c.ConnectionEvents) == 0 {
		return true
	}

	return c.ConnectionEvents[len(c.ConnectionEvents)-1].EventType == EventConnected
}

// CameraStore serializes access to camera_state.json.
type CameraStore struct {
	mu   gosync.Mutex
	path string
}

func NewCameraStore(path string) *CameraStore {
	return &CameraStore{path: path}
}

// Load returns the current camera state. A missing file yields a zero
// state with a nil watermark; the poller substitutes its default.
func (s *CameraStore) Load() (*CameraState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.readLocked()
}

// RecordEvent appends a connection event to the log.
func (s *CameraStore) RecordEvent(eventType string, message string) error {
	return s.update(func(cs *CameraState) {
		cs.ConnectionEvents = append(cs.ConnectionEvents, ConnectionEvent{
			EventDatetime: time.Now(),
			EventType:     eventType,
			Message:       message,
		})
	})
}

// SetWatermark persists the newest observed segment end time together
// with the group it was assigned to.
func (s *CameraStore) SetWatermark(endTime time.Time, groupDir string) error {
	return s.update(func(cs *CameraState) {
		cs.LastSeenEndTime = endTime
		cs.LastGroup = groupDir
	})
}

func (s *CameraStore) update(fn func(*CameraState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fileLock := flock.New(s.path)
	if err := fileLock.Acquire(lockWaitTimeout); err != nil {
		return err
	}
	defer fileLock.Release()

	cs, err := s.readLocked()
	if err != nil {
		return err
	}

	fn(cs)

	data, err := json.MarshalIndent(cs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal camera state: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write camera state: %w", err)
	}

	return os.Rename(tmpPath, s.path)
}

func (s *CameraStore) readLocked() (*CameraState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &CameraState{ConnectionEvents: make([]ConnectionEvent, 0)}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read camera state: %w", err)
	}

	cs := &CameraState{}
	if err := json.Unmarshal(data, cs); err != nil {
		return nil, fmt.Errorf("camera state file is malformed: %w", err)
	}

	return cs, nil
}
