package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ErrUnsafePath is returned for entries that would be written outside the destination
var ErrUnsafePath = errors.New("archive entry escapes destination")

// Zip extracts and creates zip archives
type Zip struct {
	log *log.Entry
}

// NewZip creates a zip extractor
func NewZip(logger *log.Entry) *Zip {
	return &Zip{log: logger.WithField("component", "archive")}
}

// Extract unpacks archivePath into destDir keeping relative paths
func (z *Zip) Extract(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if errors.Is(err, zip.ErrInsecurePath) {
		if r != nil {
			_ = r.Close()
		}
		return fmt.Errorf("open archive: %w", ErrUnsafePath)
	}
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() {
		if cerr := r.Close(); cerr != nil {
			z.log.Warnf("error closing archive %s: %v", archivePath, cerr)
		}
	}()

	destDir, err = filepath.Abs(destDir)
	if err != nil {
		return fmt.Errorf("resolve destination: %w", err)
	}
	if err := os.MkdirAll(destDir, 0750); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	for _, f := range r.File {
		if err := z.extractFile(f, destDir); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}

	z.log.Infof("extracted %d entries from %s to %s", len(r.File), archivePath, destDir)
	return nil
}

func (z *Zip) extractFile(f *zip.File, destDir string) error {
	target := filepath.Join(destDir, filepath.FromSlash(f.Name))
	if target != destDir && !strings.HasPrefix(target, destDir+string(os.PathSeparator)) {
		return ErrUnsafePath
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0750)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return err
	}

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// Compress writes every file under dir into archivePath using paths relative to dir
func (z *Zip) Compress(dir, archivePath string) (err error) {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close zip file: %w", closeErr)
		}
		if err != nil {
			if removeErr := os.Remove(archivePath); removeErr != nil {
				z.log.Errorf("failed to remove zip file: %v", removeErr)
			}
		}
	}()

	absArchive, _ := filepath.Abs(archivePath)
	w := zip.NewWriter(out)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if abs, _ := filepath.Abs(path); abs == absArchive {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return fmt.Errorf("create zip file header: %w", err)
		}
		header.Name = name
		if d.IsDir() {
			header.Name += "/"
			_, err = w.CreateHeader(header)
			return err
		}
		header.Method = zip.Deflate

		writer, err := w.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("create zip file header: %w", err)
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		if _, err := io.Copy(writer, f); err != nil {
			return fmt.Errorf("write file to zip: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("walk %s: %w", dir, err)
	}

	if err = w.Close(); err != nil {
		return fmt.Errorf("close archive writer: %w", err)
	}
	return nil
}
