package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/liudong-work/funnychatbackend/pkg/protocol"
)

// FileStore writes message attachments to disk under a flat directory of
// UUID-named files and hands back the URL recorded on the message.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) Dir() string { return f.dir }

// SaveAttachment stores the payload and returns the serving URL.
func (f *FileStore) SaveAttachment(data []byte, contentType protocol.ContentKind) (string, error) {
	name := fmt.Sprintf("%s.%s", uuid.NewString(), extensionFor(contentType))
	if err := os.WriteFile(filepath.Join(f.dir, name), data, 0o644); err != nil {
		return "", err
	}
	return "/api/file/" + name, nil
}

func extensionFor(contentType protocol.ContentKind) string {
	switch contentType {
	case protocol.ContentImage:
		return "jpg"
	case protocol.ContentAudio, protocol.ContentVideo:
		return "webm"
	default:
		return "bin"
	}
}
