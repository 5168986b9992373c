// Package task defines the unit of work exchanged between pipeline stages.
// Each task is a tagged variant: the 'task_type' discriminator selects the
// concrete shape when decoding a durable queue file, and the queue tag
// selects which stage's queue a dispatched task lands in.
package task

import (
	"fmt"
	"time"
)

type (
	// QueueType tags the stage queue a task belongs to.
	QueueType string

	// Type discriminates the concrete task variant on the wire.
	Type string
)

const (
	DownloadQueue QueueType = "download"
	VideoQueue    QueueType = "video"
	UploadQueue   QueueType = "upload"
)

const (
	DahuaDownload Type = "dahua_download"
	Convert       Type = "convert"
	Combine       Type = "combine"
	Trim          Type = "trim"
	YoutubeUpload Type = "youtube_upload"

	// Autocam is reserved for the post-trim processing slot. No stage
	// consumes it yet.
	Autocam Type = "autocam"
)

// Task is a serializable unit of stage work. Key returns a short stable
// string identifying the task's effect; two tasks with equal keys are the
// same work and are deduplicated within a stage.
type Task interface {
	Key() string
	Type() Type
	Queue() QueueType
}

// Router delivers a task to the stage owning its queue. The orchestrator
// owns the only implementation; stages hold a Router handle rather than
// references to each other.
type Router interface {
	Dispatch(Task) error
}

// Download instructs the download stage to pull one recording segment
// from the camera to local storage.
type Download struct {
	RemotePath string            `json:"remote_path"`
	LocalPath  string            `json:"local_path"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    time.Time         `json:"end_time"`
	Size       int64             `json:"size"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (t Download) Key() string      { return fmt.Sprintf("%s:%s", DahuaDownload, t.LocalPath) }
func (t Download) Type() Type       { return DahuaDownload }
func (t Download) Queue() QueueType { return DownloadQueue }

// ConvertFile instructs the video stage to transcode one downloaded
// segment to its MP4 counterpart.
type ConvertFile struct {
	Path string `json:"file_path"`
}

func (t ConvertFile) Key() string      { return fmt.Sprintf("%s:%s", Convert, t.Path) }
func (t ConvertFile) Type() Type       { return Convert }
func (t ConvertFile) Queue() QueueType { return VideoQueue }

// CombineGroup instructs the video stage to concatenate every converted
// segment of a group into the group's combined artifact.
type CombineGroup struct {
	GroupDir string `json:"group_dir"`
}

func (t CombineGroup) Key() string      { return fmt.Sprintf("%s:%s", Combine, t.GroupDir) }
func (t CombineGroup) Type() Type       { return Combine }
func (t CombineGroup) Queue() QueueType { return VideoQueue }

// TrimGroup instructs the video stage to cut a group's combined artifact
// down to the match window. Offsets are seconds into the combined file;
// a zero EndOffset means "until the end".
type TrimGroup struct {
	GroupDir    string  `json:"group_dir"`
	StartOffset float64 `json:"start_offset"`
	EndOffset   float64 `json:"end_offset,omitempty"`
}

func (t TrimGroup) Key() string      { return fmt.Sprintf("%s:%s", Trim, t.GroupDir) }
func (t TrimGroup) Type() Type       { return Trim }
func (t TrimGroup) Queue() QueueType { return VideoQueue }

// UploadGroup instructs the upload stage to publish a group's trimmed
// artifacts to the video platform.
type UploadGroup struct {
	GroupDir string `json:"group_dir"`
}

func (t UploadGroup) Key() string      { return fmt.Sprintf("%s:%s", YoutubeUpload, t.GroupDir) }
func (t UploadGroup) Type() Type       { return YoutubeUpload }
func (t UploadGroup) Queue() QueueType { return UploadQueue }
