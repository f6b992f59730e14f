package pdf

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// workspace はジョブ専用の作業ディレクトリです。
//
//	<TempDir>/<jobID>/
//	  manifest.json
//	  in/     アップロードされたPDF
//	  pages/  前処理済みのページ画像
type workspace struct {
	jobID    string
	dir      string
	inDir    string
	pagesDir string
}

func (w workspace) manifestPath() string {
	return filepath.Join(w.dir, manifestFilename)
}

func (w workspace) inputPath(storedName string) string {
	return filepath.Join(w.inDir, storedName)
}

func (w workspace) pagePath(index int, ext string) string {
	return filepath.Join(w.pagesDir, fmt.Sprintf("page_%04d%s", index+1, ext))
}

func (s *Service) workspaceFor(jobID string) workspace {
	dir := filepath.Join(s.opts.TempDir, jobID)
	return workspace{
		jobID:    jobID,
		dir:      dir,
		inDir:    filepath.Join(dir, "in"),
		pagesDir: filepath.Join(dir, "pages"),
	}
}

func (s *Service) createWorkspace() (workspace, error) {
	ws := s.workspaceFor(s.newID())
	for _, d := range []string{ws.inDir, ws.pagesDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			_ = removeDir(ws.dir)
			return workspace{}, fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
		}
	}
	return ws, nil
}

func defaultID() string {
	return uuid.NewString()
}

func removeDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
