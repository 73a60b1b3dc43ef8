package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrStoreNotFound = errors.New("task not found in store")

// Store persists task snapshots. SaveTask is an upsert of the whole task,
// history included.
type Store interface {
	SaveTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	ListTasksByAssignee(ctx context.Context, assigneeID string) ([]Task, error)
	ListOpenTasks(ctx context.Context) ([]Task, error)
	Close() error
}

var openStatuses = []string{
	string(TaskStatusPending),
	string(TaskStatusAssigned),
	string(TaskStatusInProgress),
	string(TaskStatusWaitingReview),
	string(TaskStatusEscalated),
}

// blobs holds the columns stored as JSON documents.
type blobs struct {
	Metadata     []byte
	Tags         []byte
	CandidateIDs []byte
	Result       []byte
}

func encodeBlobs(task Task) (blobs, error) {
	var (
		b   blobs
		err error
	)
	if b.Metadata, err = json.Marshal(nonNilMap(task.Metadata)); err != nil {
		return blobs{}, fmt.Errorf("encode metadata: %w", err)
	}
	if b.Tags, err = json.Marshal(nonNilSlice(task.Tags)); err != nil {
		return blobs{}, fmt.Errorf("encode tags: %w", err)
	}
	if b.CandidateIDs, err = json.Marshal(nonNilSlice(task.CandidateIDs)); err != nil {
		return blobs{}, fmt.Errorf("encode candidate ids: %w", err)
	}
	if task.Result != nil {
		if b.Result, err = json.Marshal(task.Result); err != nil {
			return blobs{}, fmt.Errorf("encode result: %w", err)
		}
	}
	return b, nil
}

func (b blobs) decodeInto(task *Task) error {
	if len(b.Metadata) > 0 {
		var md map[string]string
		if err := json.Unmarshal(b.Metadata, &md); err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}
		if len(md) > 0 {
			task.Metadata = md
		}
	}
	if len(b.Tags) > 0 {
		var tags []string
		if err := json.Unmarshal(b.Tags, &tags); err != nil {
			return fmt.Errorf("decode tags: %w", err)
		}
		if len(tags) > 0 {
			task.Tags = tags
		}
	}
	if len(b.CandidateIDs) > 0 {
		var ids []string
		if err := json.Unmarshal(b.CandidateIDs, &ids); err != nil {
			return fmt.Errorf("decode candidate ids: %w", err)
		}
		if len(ids) > 0 {
			task.CandidateIDs = ids
		}
	}
	if len(b.Result) > 0 && string(b.Result) != "null" {
		var res TaskResult
		if err := json.Unmarshal(b.Result, &res); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		task.Result = &res
	}
	return nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
