package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Local stores objects under root/volatile and root/stable.
type Local struct {
	Root string
}

func NewLocal(root string) (*Local, error) {
	for _, dir := range []string{"volatile", "stable"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, err
		}
	}
	return &Local{Root: root}, nil
}

func (l *Local) path(area, key string) string {
	return filepath.Join(l.Root, area, filepath.FromSlash(key))
}

func (l *Local) Upload(_ context.Context, key, localPath string, volatile bool) error {
	area := "stable"
	if volatile {
		area = "volatile"
	}
	dst := l.path(area, key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()
	tmp := dst + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", key, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

func (l *Local) Promote(_ context.Context, srcKey, dstKey string) error {
	src, dst := l.path("volatile", srcKey), l.path("stable", dstKey)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	err := os.Rename(src, dst)
	if errors.Is(err, fs.ErrNotExist) {
		if _, statErr := os.Stat(dst); statErr == nil {
			return nil
		}
		return fmt.Errorf("promote %s: %w", srcKey, ErrNotFound)
	}
	return err
}

func (l *Local) Discard(_ context.Context, key string) error {
	err := os.Remove(l.path("volatile", key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
