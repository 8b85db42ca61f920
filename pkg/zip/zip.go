// Package zip bundles in-memory files into a zip archive.
package zip

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// Asset is one file of an archive. Filename may contain forward slashes to
// place the file in a folder.
type Asset struct {
	Filename string
	Data     []byte
}

// ArchiveAssets writes assets in order, stamping each entry with modified.
// Duplicate or unsafe names are rejected.
func ArchiveAssets(assets []Asset, modified time.Time) ([]byte, error) {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	seen := make(map[string]struct{}, len(assets))

	for _, asset := range assets {
		name, err := cleanName(asset.Filename)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("zip: duplicate entry %q", name)
		}
		seen[name] = struct{}{}

		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return nil, fmt.Errorf("zip: create %s: %w", name, err)
		}
		if _, err := w.Write(asset.Data); err != nil {
			return nil, fmt.Errorf("zip: write %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("zip: close: %w", err)
	}
	return buf.Bytes(), nil
}

func cleanName(name string) (string, error) {
	name = strings.TrimLeft(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"), "/")
	if name == "" {
		return "", errors.New("zip: entry name is required")
	}
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("zip: invalid entry name %q", name)
	}
	return cleaned, nil
}
