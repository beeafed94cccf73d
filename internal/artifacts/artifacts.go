// Package artifacts reads uploaded resume files and turns them into plain text.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrNotFound        = errors.New("artifact not found")
	ErrInvalidRef      = errors.New("invalid artifact reference")
	ErrTooLarge        = errors.New("artifact too large")
	ErrUnsupportedType = errors.New("unsupported artifact type")
)

const (
	TypePlain    = "text/plain"
	TypeMarkdown = "text/markdown"
	TypeHTML     = "text/html"
)

// DefaultMaxBytes bounds artifacts when no limit is configured.
const DefaultMaxBytes = 2 << 20

// Artifact is an opened, validated upload.
type Artifact struct {
	Ref         string
	ContentType string
	Size        int64
	Data        []byte
}

type Store interface {
	Open(ctx context.Context, ref string) (*Artifact, error)
}

// FS serves artifacts from a directory. References are slash-separated paths
// relative to that directory.
type FS struct {
	root     string
	maxBytes int64
}

func NewFS(root string, maxBytes int64) *FS {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &FS{root: root, maxBytes: maxBytes}
}

func (f *FS) Open(ctx context.Context, ref string) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := filepath.FromSlash(strings.TrimSpace(ref))
	if name == "" || !filepath.IsLocal(name) {
		return nil, fmt.Errorf("%q: %w", ref, ErrInvalidRef)
	}

	root, err := os.OpenRoot(f.root)
	if err != nil {
		return nil, fmt.Errorf("open artifact root: %w", err)
	}
	defer root.Close()

	file, err := root.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%q: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%q: %w: %v", ref, ErrInvalidRef, err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read artifact %q: %w", ref, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%q exceeds %d bytes: %w", ref, f.maxBytes, ErrTooLarge)
	}

	contentType, err := Sniff(ref, data)
	if err != nil {
		return nil, err
	}

	return &Artifact{
		Ref:         ref,
		ContentType: contentType,
		Size:        int64(len(data)),
		Data:        data,
	}, nil
}

// Sniff detects the content type of data and checks it is one resumes may use.
// Markdown is not detectable from content, so plain text named *.md counts as markdown.
func Sniff(ref string, data []byte) (string, error) {
	mtype := mimetype.Detect(data)

	switch {
	case mtype.Is(TypeHTML):
		return TypeHTML, nil
	case mtype.Is(TypePlain):
		switch strings.ToLower(filepath.Ext(ref)) {
		case ".md", ".markdown":
			return TypeMarkdown, nil
		}
		return TypePlain, nil
	}

	return "", fmt.Errorf("%q is %s: %w", ref, mtype.String(), ErrUnsupportedType)
}

// Invalid reports whether err means the artifact can never be ingested.
func Invalid(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidRef) ||
		errors.Is(err, ErrTooLarge) ||
		errors.Is(err, ErrUnsupportedType)
}
