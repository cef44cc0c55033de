package library

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"feedloom/internal/downloader"
	"feedloom/internal/sandbox"
)

// place moves file to target, resolving collisions, and returns the final path.
func (s *Service) place(file sandbox.File, target string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create library directory: %w", err)
	}

	final, identical, err := s.resolveCollision(file, target)
	if err != nil {
		return "", err
	}
	if identical {
		if !s.cfg.Library.KeepSource {
			_ = os.Remove(file.Path)
		}
		return final, nil
	}

	if s.cfg.Library.KeepSource {
		return final, copyFileVerified(file.Path, final)
	}
	return final, moveFile(file.Path, final)
}

// resolveCollision picks the destination when target already exists. An
// existing file with the same content hash is reused.
func (s *Service) resolveCollision(file sandbox.File, target string) (string, bool, error) {
	if _, err := os.Stat(target); errors.Is(err, fs.ErrNotExist) {
		return target, false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("stat target: %w", err)
	}

	if file.Hash != "" {
		if existing, err := downloader.HashFile(target); err == nil && existing == file.Hash {
			return target, true, nil
		}
	}
	if s.cfg.Library.OverwriteExisting {
		return target, false, nil
	}

	ext := filepath.Ext(target)
	stem := strings.TrimSuffix(target, ext)
	for i := 2; i < 1000; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if _, err := os.Stat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate, false, nil
		}
	}
	return "", false, fmt.Errorf("no free name for %s", target)
}

// moveFile renames src to dst, copying across filesystems when needed.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EXDEV) {
		return err
	}
	if err := copyFileVerified(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// copyFileVerified copies src to dst and checks size and SHA-256 of both
// sides. dst is removed on mismatch.
func copyFileVerified(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		_ = out.Close()
	}()

	srcHasher := sha256.New()
	dstHasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(out, dstHasher), io.TeeReader(in, srcHasher))
	if err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if written != srcInfo.Size() {
		_ = os.Remove(dst)
		return fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", srcInfo.Size(), written)
	}
	if !bytes.Equal(srcHasher.Sum(nil), dstHasher.Sum(nil)) {
		_ = os.Remove(dst)
		return fmt.Errorf("copy hash mismatch: file corrupted during copy")
	}
	return nil
}
