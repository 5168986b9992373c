package task

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Envelope is the on-disk representation of a queued task. The instance
// ID exists for logging and the status gateway; deduplication uses the
// task key, never the ID.
type Envelope struct {
	ID       uuid.UUID `json:"id"`
	TaskType Type      `json:"task_type"`
	Task     Task      `json:"-"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(e.Task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s task: %w", e.TaskType, err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("failed to flatten %s task: %w", e.TaskType, err)
	}

	idRaw, _ := json.Marshal(e.ID)
	typeRaw, _ := json.Marshal(e.TaskType)
	fields["id"] = idRaw
	fields["task_type"] = typeRaw

	return json.Marshal(fields)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var head struct {
		ID       uuid.UUID `json:"id"`
		TaskType Type      `json:"task_type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("failed to decode task envelope: %w", err)
	}

	decoded, err := decodeVariant(head.TaskType, data)
	if err != nil {
		return err
	}

	if head.ID == uuid.Nil {
		head.ID = uuid.New()
	}

	e.ID = head.ID
	e.TaskType = head.TaskType
	e.Task = decoded
	return nil
}

// NewEnvelope wraps a task with a fresh instance ID ready for enqueueing.
func NewEnvelope(t Task) Envelope {
	return Envelope{ID: uuid.New(), TaskType: t.Type(), Task: t}
}

func decodeVariant(taskType Type, data []byte) (Task, error) {
	switch taskType {
	case DahuaDownload:
		var t Download
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		return t, nil
	case Convert:
		var t ConvertFile
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		return t, nil
	case Combine:
		var t CombineGroup
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		return t, nil
	case Trim:
		var t TrimGroup
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		return t, nil
	case YoutubeUpload:
		var t UploadGroup
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown task type '%s'", taskType)
	}
}
