package tfbackend

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// unpack extracts a zipped SavedModel artifact into dir and returns the
// directory holding saved_model.pb.
func unpack(data []byte, dir string) (string, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if errors.Is(err, zip.ErrInsecurePath) {
		return "", fmt.Errorf("illegal path in archive: %w", err)
	}
	if err != nil {
		return "", fmt.Errorf("artifact is not a zip archive: %w", err)
	}

	root := filepath.Clean(dir) + string(os.PathSeparator)
	for _, f := range r.File {
		filePath := filepath.Join(dir, f.Name)
		if !strings.HasPrefix(filePath, root) {
			return "", fmt.Errorf("illegal path in archive: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(filePath, 0o770); err != nil {
				return "", err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(filePath), 0o770); err != nil {
			return "", err
		}
		if err := extract(f, filePath); err != nil {
			return "", err
		}
	}

	return findSavedModel(dir)
}

func extract(f *zip.File, dst string) error {
	outFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o660)
	if err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		outFile.Close()
		return err
	}

	_, err = io.Copy(outFile, rc)
	outFile.Close()
	rc.Close()
	return err
}

// findSavedModel walks dir for the first folder that looks like a SavedModel.
func findSavedModel(dir string) (string, error) {
	found := ""
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && looksLikeSavedModel(p) {
			found = p
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("archive does not contain a TensorFlow SavedModel")
	}
	return found, nil
}

func looksLikeSavedModel(dir string) bool {
	// tfgo loads a TF SavedModel; the canonical marker is saved_model.pb
	_, err := os.Stat(filepath.Join(dir, "saved_model.pb"))
	return err == nil
}
