package service

import (
	"context"
	"io"

	"github.com/allyhub/messaging/internal/domain"
)

// UploadAttachment stores a file and returns the handle to attach to a
// message.
func (s *Service) UploadAttachment(ctx context.Context, actorID, filename string, content io.Reader) (*domain.AttachmentRef, error) {
	ref, err := s.attachments.Put(ctx, filename, content)
	if err != nil {
		return nil, err
	}
	s.logger.Info("attachment uploaded", "actor_id", actorID, "storage_path", ref.StoragePath)
	return ref, nil
}
