package fetch

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var errEmptyBundle = errors.New("archive contains no files")

// unpackBundle extracts a zip bundle into dest. Vosk archives wrap everything
// in one top-level directory named after the bundle; that level is stripped so
// dest itself becomes the model directory.
func unpackBundle(archive, dest string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	prefix, err := commonRoot(r.File)
	if err != nil {
		return err
	}

	files := 0
	for _, f := range r.File {
		name := cleanEntry(f.Name)
		if prefix != "" && name+"/" == prefix {
			continue
		}
		name = strings.TrimPrefix(name, prefix)
		if name == "" {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(name))
		if !withinDir(dest, target) {
			return fmt.Errorf("entry %q escapes bundle directory", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			return fmt.Errorf("entry %q is not a regular file", f.Name)
		}
		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
		files++
	}
	if files == 0 {
		return errEmptyBundle
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	// The zip reader verifies size and CRC when the entry is read to EOF.
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// commonRoot returns "dir/" when every entry lives under a single top-level directory.
func commonRoot(files []*zip.File) (string, error) {
	if len(files) == 0 {
		return "", errEmptyBundle
	}
	var root string
	for _, f := range files {
		name := cleanEntry(f.Name)
		if name == "" {
			return "", fmt.Errorf("entry %q has an invalid name", f.Name)
		}
		first, _, nested := strings.Cut(name, "/")
		if !nested && !f.FileInfo().IsDir() {
			return "", nil
		}
		if root == "" {
			root = first
		} else if root != first {
			return "", nil
		}
	}
	return root + "/", nil
}

func cleanEntry(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return ""
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return ""
		}
	}
	return strings.TrimPrefix(strings.TrimSuffix(name, "/"), "./")
}

func withinDir(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
