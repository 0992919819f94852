// Package validate checks uploaded filenames against the extension allow-list
// and enforces the per-file byte ceiling while streaming.
package validate

import (
	"errors"
	"io"
	"sort"
	"strings"

	"guardvision/models"
)

// Defaults for the upload limits; every one of them is overridable through
// Rules.
const (
	DefaultMaxFileSizeMB  = 20
	DefaultMaxFilesPerJob = 20

	chunkSize = 1024 * 1024
)

// Rules carries the externally configurable upload constraints. Components
// receive it at construction; nothing reads a process-wide default at
// request time.
type Rules struct {
	MaxFileSizeBytes int64
	MaxFilesPerJob   int
	Extensions       map[string]bool
}

// DefaultRules returns the stock constraints: 20 MiB per file, 20 files per
// job, {png, jpg, jpeg, dcm}.
func DefaultRules() Rules {
	return Rules{
		MaxFileSizeBytes: DefaultMaxFileSizeMB * 1024 * 1024,
		MaxFilesPerJob:   DefaultMaxFilesPerJob,
		Extensions: map[string]bool{
			"png":  true,
			"jpg":  true,
			"jpeg": true,
			"dcm":  true,
		},
	}
}

// AllowedExtensions returns the allow-list in stable order, for error payloads.
func (r Rules) AllowedExtensions() []string {
	exts := make([]string, 0, len(r.Extensions))
	for e := range r.Extensions {
		exts = append(exts, e)
	}
	sort.Strings(exts)
	return exts
}

// ValidExtension reports whether filename carries an allow-listed extension.
func (r Rules) ValidExtension(filename string) bool {
	return r.Extensions[Ext(filename)]
}

// MaxFileSizeMB is the ceiling expressed in whole megabytes, for messages.
func (r Rules) MaxFileSizeMB() int64 {
	return r.MaxFileSizeBytes / (1024 * 1024)
}

// Ext returns the lowercased dotted suffix of filename, or "" if it has none.
func Ext(filename string) string {
	i := strings.LastIndexByte(filename, '.')
	if i < 0 || i == len(filename)-1 {
		return ""
	}
	return strings.ToLower(filename[i+1:])
}

// Classify maps an allow-listed filename to its file type: dcm is DICOM,
// every other allowed extension is an image.
func Classify(filename string) models.FileType {
	if Ext(filename) == "dcm" {
		return models.TypeDICOM
	}
	return models.TypeImage
}

// ErrFileTooLarge is returned by EnforceSizeStreaming the moment the running
// total exceeds the ceiling.
var ErrFileTooLarge = errors.New("file exceeds size limit")

// EnforceSizeStreaming consumes r in bounded chunks, accumulating a running
// byte total, and fails the instant the total exceeds maxBytes. It never
// buffers the whole stream; the caller reopens the upload for persistence.
// Returns the total bytes read on success.
func EnforceSizeStreaming(r io.Reader, maxBytes int64) (int64, error) {
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, err := r.Read(buf)
		total += int64(n)
		if total > maxBytes {
			return total, ErrFileTooLarge
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
