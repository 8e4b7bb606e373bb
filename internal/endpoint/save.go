package endpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wilsonzlin/quickdrop/internal/transfer"
)

const fallbackName = "quickdrop-download"

// SaveArtifact writes a into dir without replacing an existing file. When the
// name is taken, the Unix time is appended before the extension.
func SaveArtifact(dir string, a *transfer.Artifact, now time.Time) (string, error) {
	name := safeName(a.Name)
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	for i := 0; errors.Is(err, fs.ErrExist) && i < 100; i++ {
		ext := filepath.Ext(name)
		suffix := fmt.Sprintf("_%d", now.Unix())
		if i > 0 {
			suffix = fmt.Sprintf("_%d_%d", now.Unix(), i)
		}
		path = filepath.Join(dir, strings.TrimSuffix(name, ext)+suffix+ext)
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		return "", fmt.Errorf("create output file: %w", err)
	}
	if _, err := f.Write(a.Data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}

// safeName keeps only the final path element of a peer-supplied name.
func safeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	switch name {
	case "", ".", "..", "/":
		return fallbackName
	}
	return name
}
