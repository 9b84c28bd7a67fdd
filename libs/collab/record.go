package collab

import (
	"context"

	"github.com/agentmesh/agentmesh/libs/llm"
	"github.com/agentmesh/agentmesh/libs/storage"
)

// Record is the pinned collaboration document. Field order fixes the
// canonical JSON key order: agents, collaboration_id, conversation,
// task_id, task_title, timestamp.
type Record struct {
	Agents          []string      `json:"agents"`
	CollaborationID string        `json:"collaboration_id"`
	Conversation    []llm.Message `json:"conversation"`
	TaskID          string        `json:"task_id"`
	TaskTitle       string        `json:"task_title"`
	Timestamp       int64         `json:"timestamp"`
}

// Pin serializes the record canonically and stores it, returning the
// content hash anchored on chain.
func (r *Record) Pin(ctx context.Context, store storage.ContentStore) (string, error) {
	return storage.PinJSON(ctx, store, r)
}

// LoadRecord fetches and decodes a pinned collaboration record.
func LoadRecord(ctx context.Context, store storage.ContentStore, hash string) (*Record, error) {
	var record Record
	if err := storage.GetJSON(ctx, store, hash, &record); err != nil {
		return nil, err
	}
	return &record, nil
}
