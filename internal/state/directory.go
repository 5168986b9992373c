// Package state owns every persistent document the pipeline reads or
// writes inside the storage root: the per-group state.json, the
// process-wide camera_state.json, and the human-filled match_info.ini.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/hbomb79/Sideline/internal/recording"
	"github.com/hbomb79/Sideline/pkg/flock"
	"github.com/hbomb79/Sideline/pkg/logger"
	"github.com/hbomb79/Sideline/pkg/sync"
)

var log = logger.Get("State")

const (
	stateFileName   = "state.json"
	lockWaitTimeout = time.Second * 10
)

type FileStatus string

const (
	FileQueued         FileStatus = "queued"
	FileDownloading    FileStatus = "downloading"
	FileDownloaded     FileStatus = "downloaded"
	FileConverted      FileStatus = "converted"
	FileCombined       FileStatus = "combined"
	FileDownloadFailed FileStatus = "download_failed"
	FileConvertFailed  FileStatus = "convert_failed"
)

type GroupStatus string

const (
	GroupPending         GroupStatus = "pending"
	GroupDownloading     GroupStatus = "downloading"
	GroupDownloaded      GroupStatus = "downloaded"
	GroupCombined        GroupStatus = "combined"
	GroupTrimmed         GroupStatus = "trimmed"
	GroupAutocamComplete GroupStatus = "autocam_complete"
	GroupUploaded        GroupStatus = "youtube_uploaded"
	GroupFailed          GroupStatus = "failed"
)

// FileRecord is the persisted per-file entry of a group. RemotePath and
// Size are retained so the Auditor can rebuild a download task from disk
// alone after an interrupted transfer.
type FileRecord struct {
	Status     FileStatus `json:"status"`
	Skip       bool       `json:"skip,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	RemotePath string     `json:"remote_path,omitempty"`
	Size       int64      `json:"size,omitempty"`
}

// Directory is the state.json document of one group.
type Directory struct {
	Status       GroupStatus           `json:"status"`
	Files        map[string]FileRecord `json:"files"`
	PlaylistName string                `json:"youtube_playlist_name,omitempty"`
}

// ActivePaths returns the local paths of all non-skipped files.
func (d *Directory) ActivePaths() []string {
	paths := make([]string, 0, len(d.Files))
	for path, record := range d.Files {
		if record.Skip {
			continue
		}
		paths = append(paths, path)
	}

	return paths
}

// AllConverted reports whether every non-skipped file has reached the
// converted status (or beyond). A group with no active files is not
// considered converted.
func (d *Directory) AllConverted() bool {
	active := 0
	for _, record := range d.Files {
		if record.Skip {
			continue
		}

		active++
		if record.Status != FileConverted && record.Status != FileCombined {
			return false
		}
	}

	return active > 0
}

// Store serializes all access to group state files. Every group gets an
// in-process mutex; writes and consistent read-modify-write sequences are
// additionally wrapped in a cross-process file lock.
type Store struct {
	root  string
	locks sync.TypedSyncMap[string, *gosync.Mutex]
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the storage root all groups live beneath.
func (s *Store) Root() string { return s.root }

// Read loads a group's state document. A missing state file yields a
// fresh pending document rather than an error.
func (s *Store) Read(groupDir string) (*Directory, error) {
	mutex := s.groupMutex(groupDir)
	mutex.Lock()
	defer mutex.Unlock()

	return readDirectory(groupDir)
}

// Update applies fn to the group's state document under both locks and
// persists the result atomically. Returning an error from fn abandons
// the update without touching the file.
func (s *Store) Update(groupDir string, fn func(*Directory) error) error {
	mutex := s.groupMutex(groupDir)
	mutex.Lock()
	defer mutex.Unlock()

	fileLock := flock.New(filepath.Join(groupDir, stateFileName))
	if err := fileLock.Acquire(lockWaitTimeout); err != nil {
		return err
	}
	defer func() {
		if err := fileLock.Release(); err != nil {
			log.Warnf("Failed to release state lock for %s: %s\n", groupDir, err.Error())
		}
	}()

	dir, err := readDirectory(groupDir)
	if err != nil {
		return err
	}

	if err := fn(dir); err != nil {
		return err
	}

	return writeDirectory(groupDir, dir)
}

// EnsureFile registers a file in the group's document if it is not
// already tracked, seeding it with the queued status. The path must live
// directly beneath the group directory.
func (s *Store) EnsureFile(groupDir string, localPath string, remotePath string, size int64) error {
	if filepath.Dir(localPath) != filepath.Clean(groupDir) {
		return fmt.Errorf("file %s does not live under group directory %s", localPath, groupDir)
	}

	return s.Update(groupDir, func(dir *Directory) error {
		if _, exists := dir.Files[localPath]; exists {
			return nil
		}

		dir.Files[localPath] = FileRecord{Status: FileQueued, RemotePath: remotePath, Size: size}
		return nil
	})
}

// SetFileStatus transitions a single file record, preserving the other
// record fields. An empty lastError clears any previous error.
func (s *Store) SetFileStatus(groupDir string, localPath string, status FileStatus, lastError string) error {
	return s.Update(groupDir, func(dir *Directory) error {
		record := dir.Files[localPath]
		record.Status = status
		record.LastError = lastError
		dir.Files[localPath] = record
		return nil
	})
}

// SetGroupStatus transitions the group-level status.
func (s *Store) SetGroupStatus(groupDir string, status GroupStatus) error {
	return s.Update(groupDir, func(dir *Directory) error {
		dir.Status = status
		return nil
	})
}

// SetPlaylistName records the resolved playlist for the group.
func (s *Store) SetPlaylistName(groupDir string, name string) error {
	return s.Update(groupDir, func(dir *Directory) error {
		dir.PlaylistName = name
		return nil
	})
}

// GroupDirs lists every group directory under the storage root, in
// lexicographic (and therefore chronological) order.
func (s *Store) GroupDirs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to scan storage root %s: %w", s.root, err)
	}

	dirs := make([]string, 0)
	for _, entry := range entries {
		if entry.IsDir() && recording.IsGroupDir(entry.Name()) {
			dirs = append(dirs, filepath.Join(s.root, entry.Name()))
		}
	}

	return dirs, nil
}

func (s *Store) groupMutex(groupDir string) *gosync.Mutex {
	mutex, _ := s.locks.LoadOrStore(filepath.Clean(groupDir), &gosync.Mutex{})
	return mutex
}

func readDirectory(groupDir string) (*Directory, error) {
	data, err := os.ReadFile(filepath.Join(groupDir, stateFileName))
	if errors.Is(err, os.ErrNotExist) {
		return &Directory{Status: GroupPending, Files: make(map[string]FileRecord)}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read state for %s: %w", groupDir, err)
	}

	dir := &Directory{}
	if err := json.Unmarshal(data, dir); err != nil {
		return nil, fmt.Errorf("state file for %s is malformed: %w", groupDir, err)
	}

	if dir.Files == nil {
		dir.Files = make(map[string]FileRecord)
	}
	if dir.Status == "" {
		dir.Status = GroupPending
	}

	return dir, nil
}

func writeDirectory(groupDir string, dir *Directory) error {
	data, err := json.MarshalIndent(dir, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state for %s: %w", groupDir, err)
	}

	statePath := filepath.Join(groupDir, stateFileName)
	tmpPath := statePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state for %s: %w", groupDir, err)
	}

	return os.Rename(tmpPath, statePath)
}
