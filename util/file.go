package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// WriteJson stores obj as indented JSON. The file is replaced atomically and
// parent directories are created when missing.
func WriteJson(ctx context.Context, file string, obj interface{}) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("write json %s: %w", file, err)
	}

	bs, err := json.MarshalIndent(obj, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	return replaceFile(ctx, file, bs)
}

// ReadJson decodes the JSON file into res and returns it
func ReadJson(file string, res interface{}) (interface{}, error) {
	bs, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(bs, res); err != nil {
		return nil, fmt.Errorf("decode %s: %w", file, err)
	}
	return res, nil
}

// replaceFile writes bs next to file and renames it into place, so readers
// never observe a partial document.
func replaceFile(ctx context.Context, file string, bs []byte) error {
	dir := filepath.Dir(file)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(file)+".*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	// no-op once the rename succeeded
	defer func() { _ = os.Remove(tmpName) }()

	if deadline, ok := ctx.Deadline(); ok {
		if err := tmp.SetDeadline(deadline); err != nil && !errors.Is(err, os.ErrNoDeadline) {
			log.Debugf("set deadline on %s: %v", tmpName, err)
		}
	}

	if err := writeAndClose(tmp, bs); err != nil {
		return fmt.Errorf("write %s: %w", tmpName, err)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}

	if err := os.Rename(tmpName, file); err != nil {
		return fmt.Errorf("move %s to %s: %w", tmpName, file, err)
	}
	return nil
}

func writeAndClose(f *os.File, bs []byte) error {
	if err := f.Chmod(0600); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.Write(bs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// CopyFileContents copies src over dst, truncating dst if it exists
func CopyFileContents(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer func() {
		if cErr := out.Close(); err == nil {
			err = cErr
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
