package attachments

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/coursehub/coursehub/pkg/utils"
)

// Attachment is one named binary part of an upload. Content is read lazily
// through Open so large videos are streamed rather than buffered.
type Attachment struct {
	Field     string          `json:"field"`
	FileName  string          `json:"file_name"`
	MediaType string          `json:"media_type"`
	Kind      utils.MediaKind `json:"kind"`
	Size      int64           `json:"size"`
	SHA256    string          `json:"sha256"`

	open func() (io.ReadCloser, error)
}

// Open returns a fresh reader over the attachment content.
func (a Attachment) Open() (io.ReadCloser, error) {
	if a.open == nil {
		return nil, fmt.Errorf("attachment %s/%s has no content", a.Field, a.FileName)
	}
	return a.open()
}

// FromLocalFile describes a file on disk. The file is hashed once up front and
// reopened each time the content is needed.
func FromLocalFile(field, localPath string) (Attachment, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return Attachment{}, fmt.Errorf("stat local file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return Attachment{}, fmt.Errorf("local path is not a regular file: %s", localPath)
	}

	size, sum, err := hashFile(localPath)
	if err != nil {
		return Attachment{}, err
	}

	name := utils.SanitizeFilename(filepath.Base(localPath))
	kind, mediaType := utils.DetectMedia(name)
	return Attachment{
		Field:     field,
		FileName:  name,
		MediaType: mediaType,
		Kind:      kind,
		Size:      size,
		SHA256:    sum,
		open: func() (io.ReadCloser, error) {
			return os.Open(localPath)
		},
	}, nil
}

// FromBytes describes in-memory content under the given file name.
func FromBytes(field, fileName string, data []byte) Attachment {
	name := utils.SanitizeFilename(fileName)
	kind, mediaType := utils.DetectMedia(name)
	sum := sha256.Sum256(data)
	return Attachment{
		Field:     field,
		FileName:  name,
		MediaType: mediaType,
		Kind:      kind,
		Size:      int64(len(data)),
		SHA256:    hex.EncodeToString(sum[:]),
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func hashFile(path string) (int64, string, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("open source file: %w", err)
	}
	defer src.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, src)
	if err != nil {
		return 0, "", fmt.Errorf("hash file: %w", err)
	}
	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}
