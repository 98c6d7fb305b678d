package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/openweave/weave/internal/apperr"
)

// defaultSpillThreshold is the result payload size above which the JSON body
// moves to artifact storage and the task row keeps a reference.
const defaultSpillThreshold = 64 * 1024

// Artifact is the metadata returned for stored content.
type Artifact struct {
	ID          uuid.UUID `json:"id"`
	TaskID      uuid.UUID `json:"taskId"`
	Name        string    `json:"name"`
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
}

// ResultRef replaces an oversized task result payload in the task row.
type ResultRef struct {
	ArtifactKey string `json:"artifactKey"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
}

// Service coordinates artifact storage for task attachments and oversized
// task results.
type Service struct {
	driver         Driver
	spillThreshold int
}

func NewService(driver Driver, spillThreshold int) *Service {
	if spillThreshold <= 0 {
		spillThreshold = defaultSpillThreshold
	}
	return &Service{driver: driver, spillThreshold: spillThreshold}
}

// StoreAttachment saves an uploaded file for a task and returns its metadata.
func (s *Service) StoreAttachment(ctx context.Context, taskID uuid.UUID, filename string, body io.Reader, size int64, contentType string) (*Artifact, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	id := uuid.New()
	key := fmt.Sprintf("tasks/%s/%s%s", taskID, id, filepath.Ext(filename))

	if err := s.driver.Put(ctx, key, body, contentType); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "failed to store attachment")
	}

	url, err := s.driver.URL(ctx, key, 0)
	if err != nil {
		if removeErr := s.driver.Remove(ctx, key); removeErr != nil {
			slog.WarnContext(ctx, "failed to clean up orphaned artifact", "key", key, "error", removeErr)
		}
		return nil, apperr.Wrap(apperr.KindInternal, err, "failed to generate artifact URL")
	}

	artifact := &Artifact{
		ID:          id,
		TaskID:      taskID,
		Name:        filename,
		Key:         key,
		URL:         url,
		Size:        size,
		ContentType: contentType,
	}
	slog.InfoContext(ctx, "attachment stored", "task_id", taskID, "key", key, "size", size)
	return artifact, nil
}

// SpillResult moves an oversized result payload to artifact storage and
// returns the reference blob to store in its place. Payloads at or under the
// threshold come back unchanged.
func (s *Service) SpillResult(ctx context.Context, taskID uuid.UUID, payload json.RawMessage) (json.RawMessage, bool, error) {
	if len(payload) <= s.spillThreshold {
		return payload, false, nil
	}

	key := fmt.Sprintf("tasks/%s/result.json", taskID)
	if err := s.driver.Put(ctx, key, bytes.NewReader(payload), "application/json"); err != nil {
		return nil, false, apperr.Wrap(apperr.KindInternal, err, "failed to spill result payload")
	}
	url, err := s.driver.URL(ctx, key, 0)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindInternal, err, "failed to generate artifact URL")
	}

	ref, err := json.Marshal(ResultRef{ArtifactKey: key, URL: url, Size: int64(len(payload))})
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindInternal, err, "failed to encode result reference")
	}

	slog.InfoContext(ctx, "result payload spilled to artifact storage",
		"task_id", taskID,
		"key", key,
		"size", len(payload))
	return ref, true, nil
}

// Open streams stored artifact content back.
func (s *Service) Open(ctx context.Context, key string) (io.ReadCloser, string, error) {
	reader, contentType, err := s.driver.Open(ctx, key)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindNotFound, err, "artifact %s not found", key)
	}
	return reader, contentType, nil
}
