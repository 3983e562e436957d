package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/allyhub/messaging/internal/domain"
	"github.com/allyhub/messaging/internal/obs"
)

// DefaultMaxBytes caps a single attachment.
const DefaultMaxBytes = 10 << 20

// Store validates attachment content and stores it through an Uploader.
type Store struct {
	uploader Uploader
	maxBytes int64
	logger   *slog.Logger
	now      func() time.Time
}

// NewStore creates an attachment store.
func NewStore(uploader Uploader, maxBytes int64, logger *slog.Logger) *Store {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = obs.Discard()
	}
	return &Store{uploader: uploader, maxBytes: maxBytes, logger: logger, now: time.Now}
}

// Put reads the content, classifies it as image or file and uploads it.
// Oversized or empty content is a validation error; storage failures are
// reported as store unavailability.
func (s *Store) Put(ctx context.Context, filename string, reader io.Reader) (*domain.AttachmentRef, error) {
	filename = cleanFilename(filename)
	if filename == "" {
		return nil, fmt.Errorf("%w: filename is required", domain.ErrValidation)
	}

	data, err := io.ReadAll(io.LimitReader(reader, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: attachment is empty", domain.ErrValidation)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: attachment exceeds %d bytes", domain.ErrValidation, s.maxBytes)
	}

	mime := mimetype.Detect(data)
	kind := KindOf(mime)
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = mime.Extension()
	}
	key := path.Join(s.now().UTC().Format("2006/01/02"), uuid.NewString()+ext)

	storagePath, err := s.uploader.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), mime.String())
	if err != nil {
		s.logger.Error("attachment upload failed", "filename", filename, "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	s.logger.Info("attachment stored", "filename", filename, "kind", kind, "size_bytes", len(data), "mime", mime.String())
	return &domain.AttachmentRef{
		Kind:        kind,
		Filename:    filename,
		SizeBytes:   int64(len(data)),
		StoragePath: storagePath,
	}, nil
}

// KindOf maps a detected MIME type to an attachment kind.
func KindOf(mime *mimetype.MIME) domain.AttachmentKind {
	for m := mime; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "image/") {
			return domain.AttachmentKindImage
		}
	}
	return domain.AttachmentKindFile
}

func cleanFilename(name string) string {
	name = strings.TrimSpace(filepath.Base(filepath.ToSlash(strings.TrimSpace(name))))
	if name == "." || name == "/" {
		return ""
	}
	return name
}
