// Package storage はジョブ成果物の保存先を提供します。
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Local はローカルファイルシステムへ OUTPUT_DIR/<jobID>/<name> の形で保存します。
type Local struct {
	root string
}

// NewLocal は root 配下に保存する Local を作成します。
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	return &Local{root: root}, nil
}

// Save は content を保存し、保存先のパスを返します。
func (l *Local) Save(ctx context.Context, jobID, name string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateSegment(jobID); err != nil {
		return "", fmt.Errorf("invalid job id: %w", err)
	}
	if err := validateSegment(name); err != nil {
		return "", fmt.Errorf("invalid file name: %w", err)
	}

	dir := filepath.Join(l.root, jobID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create job output dir: %w", err)
	}
	path := filepath.Join(dir, name)
	// 途中で失敗しても壊れたファイルが残らないよう、一時ファイル経由で置き換える
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store %s: %w", name, err)
	}
	return path, nil
}

// validateSegment はパス区切りや親ディレクトリ参照を含まない名前かを確認します。
func validateSegment(s string) error {
	if s == "" || s == "." || s == ".." {
		return fmt.Errorf("%q is not allowed", s)
	}
	if strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("%q must not contain path separators", s)
	}
	return nil
}
