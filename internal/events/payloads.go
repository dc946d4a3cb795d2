package events

import (
	"encoding/json"
	"time"
)

func marshalPayload(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// ModelStatusPayload is the payload of model:status.
type ModelStatusPayload struct {
	Status   string     `json:"status"`
	ModelKey string     `json:"model_key"`
	LoadedAt *time.Time `json:"loaded_at,omitempty"`
}

// PublishModelStatus emits model:status. Satisfies
// internal/domain/model.Publisher.
func (h *Hub) PublishModelStatus(status, modelKey string, loadedAt *time.Time) {
	h.publish(ChannelModelStatus, ModelStatusPayload{Status: status, ModelKey: modelKey, LoadedAt: loadedAt})
}

// ModelDownloadProgressPayload is the payload of model:download-progress.
type ModelDownloadProgressPayload struct {
	ModelKey string `json:"model_key"`
	Progress int    `json:"progress"`
	Bytes    int64  `json:"bytes,omitempty"`
}

// PublishDownloadProgress emits model:download-progress.
func (h *Hub) PublishDownloadProgress(modelKey string, progress int, bytes int64) {
	h.publish(ChannelModelDownload, ModelDownloadProgressPayload{ModelKey: modelKey, Progress: progress, Bytes: bytes})
}

// ModelErrorPayload is the payload of model:error.
type ModelErrorPayload struct {
	ModelKey string `json:"model_key,omitempty"`
	Message  string `json:"message"`
}

// PublishModelError emits model:error.
func (h *Hub) PublishModelError(modelKey, message string) {
	h.publish(ChannelModelError, ModelErrorPayload{ModelKey: modelKey, Message: message})
}

// JobProgressPayload is the payload of job:progress. Not idempotent /
// snapshot-capable — a subscriber that misses one sees only the next.
type JobProgressPayload struct {
	JobID    string `json:"job_id"`
	MediaID  string `json:"media_id"`
	Stage    string `json:"stage"`
	Progress int    `json:"progress"`
	Status   string `json:"status"`
}

// PublishJobProgress emits job:progress.
func (h *Hub) PublishJobProgress(p JobProgressPayload) {
	h.publish(ChannelJobProgress, p)
}

// JobCompletePayload is the payload of job:complete.
type JobCompletePayload struct {
	JobID        string `json:"job_id"`
	MediaID      string `json:"media_id"`
	Success      bool   `json:"success"`
	ArtifactKind string `json:"artifact_kind,omitempty"`
	ModelKey     string `json:"model_key,omitempty"`
	Cached       bool   `json:"cached,omitempty"`
}

// PublishJobComplete emits job:complete.
func (h *Hub) PublishJobComplete(p JobCompletePayload) {
	h.publish(ChannelJobComplete, p)
}

// QueueUpdatePayload is the payload of queue:update.
type QueueUpdatePayload struct {
	Length     int  `json:"length"`
	Current    bool `json:"current"`
	Processing int  `json:"processing"`
}

// PublishQueueUpdate emits queue:update.
func (h *Hub) PublishQueueUpdate(p QueueUpdatePayload) {
	h.publish(ChannelQueueUpdate, p)
}

// SendSnapshot pushes a synthetic model:status event directly to one
// subscriber without going through the shared publish channel, so a newly
// connected subscriber sees current state even if no transition fires
// again soon (§4.6: "new subscribers receive a synthetic model:status
// snapshot on connect").
func (h *Hub) SendSnapshot(sub *Subscriber, status, modelKey string, loadedAt *time.Time) {
	data, err := marshalPayload(ModelStatusPayload{Status: status, ModelKey: modelKey, LoadedAt: loadedAt})
	if err != nil {
		return
	}
	select {
	case sub.Send <- Event{Channel: ChannelModelStatus, Payload: data}:
	default:
	}
}
