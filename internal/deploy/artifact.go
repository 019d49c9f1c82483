package deploy

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/gzip"

	"github.com/moolen/apptest/internal/config"
)

// FindNativeBinary searches dir for a regular file matching pattern. It
// reports false when there is none; more than one match is a
// configuration error.
func FindNativeBinary(dir, pattern string) (string, bool, error) {
	if pattern == "" {
		return "", false, nil
	}

	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}

	matches, err := doublestar.Glob(os.DirFS(dir), pattern, doublestar.WithFilesOnly(), doublestar.WithFailOnIOErrors())
	if err != nil {
		return "", false, fmt.Errorf("failed to search %s for %s: %w", dir, pattern, err)
	}

	switch len(matches) {
	case 0:
		return "", false, nil
	case 1:
		return filepath.Join(dir, filepath.FromSlash(matches[0])), true, nil
	default:
		return "", false, config.NewConfigError(fmt.Sprintf(
			"found %d native binaries matching %s in %s: %s", len(matches), pattern, dir, strings.Join(matches, ", ")))
	}
}

// ArchiveDir writes dir as a gzip compressed tarball to dest. Entries are
// named relative to the parent of dir, so the tree keeps its top directory.
func ArchiveDir(dir, dest string) (err error) {
	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create archive %s: %w", dest, err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	gw := gzip.NewWriter(file)
	tw := tar.NewWriter(gw)

	root := filepath.Clean(dir)
	parent := filepath.Dir(root)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dest {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		return fmt.Errorf("failed to archive %s: %w", dir, walkErr)
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}
