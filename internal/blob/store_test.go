package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allyhub/messaging/internal/domain"
)

// pngHeader is enough for content sniffing.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func newLocalStore(t *testing.T, maxBytes int64) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	uploader, err := NewLocalUploader(dir, "")
	require.NoError(t, err)
	return NewStore(uploader, maxBytes, nil), dir
}

func TestPutImage(t *testing.T) {
	store, dir := newLocalStore(t, 1024)

	ref, err := store.Put(context.Background(), "photos/cat.png", bytes.NewReader(pngHeader))
	require.NoError(t, err)
	assert.Equal(t, domain.AttachmentKindImage, ref.Kind)
	assert.Equal(t, "cat.png", ref.Filename)
	assert.Equal(t, int64(len(pngHeader)), ref.SizeBytes)
	require.True(t, strings.HasPrefix(ref.StoragePath, DefaultURLPrefix+"/"))

	stored, err := os.ReadFile(filepath.Join(dir, strings.TrimPrefix(ref.StoragePath, DefaultURLPrefix+"/")))
	require.NoError(t, err)
	assert.Equal(t, pngHeader, stored)
}

func TestPutPlainFile(t *testing.T) {
	store, _ := newLocalStore(t, 1024)

	ref, err := store.Put(context.Background(), "notes.txt", strings.NewReader("meeting at 10"))
	require.NoError(t, err)
	assert.Equal(t, domain.AttachmentKindFile, ref.Kind)
	assert.True(t, strings.HasSuffix(ref.StoragePath, ".txt"))
}

func TestPutRejects(t *testing.T) {
	store, _ := newLocalStore(t, 8)

	_, err := store.Put(context.Background(), "big.bin", bytes.NewReader(make([]byte, 9)))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = store.Put(context.Background(), "empty.txt", strings.NewReader(""))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = store.Put(context.Background(), "  ", strings.NewReader("x"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

type failingUploader struct{}

func (failingUploader) Upload(context.Context, string, io.Reader, int64, string) (string, error) {
	return "", errors.New("connection refused")
}

func TestPutUploadFailureIsUnavailable(t *testing.T) {
	store := NewStore(failingUploader{}, 0, nil)
	_, err := store.Put(context.Background(), "a.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	store = NewStore(NoopUploader{}, 0, nil)
	_, err = store.Put(context.Background(), "a.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestNewS3UploaderValidates(t *testing.T) {
	_, err := NewS3Uploader(S3Options{Bucket: "b"}, nil)
	assert.Error(t, err)

	_, err = NewS3Uploader(S3Options{Endpoint: "http://localhost:9000"}, nil)
	assert.Error(t, err)

	u, err := NewS3Uploader(S3Options{Endpoint: "http://localhost:9000", Bucket: "attachments"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000/attachments/2026/a.png", u.objectURL("/2026/a.png"))
}
