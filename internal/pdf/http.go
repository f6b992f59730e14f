package pdf

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// KickoffService はジョブの準備と破棄を提供します。
type KickoffService interface {
	PrepareJob(ctx context.Context, file *multipart.FileHeader, callbackURL string) (*JobManifest, error)
	DiscardJob(jobID string) error
}

// JobScheduler はジョブを台帳に登録し、バックグラウンドで実行させます。
type JobScheduler interface {
	Schedule(ctx context.Context, manifest *JobManifest) error
}

// KickoffHandler は POST /kickoff のハンドラーを返します。
// PDFを受け付けたらジョブを RUNNING で登録し、変換の完了を待たずに job_id を返します。
func KickoffHandler(svc KickoffService, scheduler JobScheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "multipart/form-data でPDFファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		file, err := extractSingleFile(form)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": err.Error(),
			})
			return
		}

		callbackURL, err := parseCallbackURL(c.PostForm("callback_url"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": err.Error(),
			})
			return
		}

		manifest, err := svc.PrepareJob(c.Request.Context(), file, callbackURL)
		if err != nil {
			respondWithError(c, err)
			return
		}

		if err := scheduler.Schedule(c.Request.Context(), manifest); err != nil {
			if cleanupErr := svc.DiscardJob(manifest.JobID); cleanupErr != nil {
				err = fmt.Errorf("%w (cleanup failed: %v)", err, cleanupErr)
			}
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"job_id": manifest.JobID})
	}
}

func parseCallbackURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", errors.New("callback_url は http(s) の URL で指定してください。")
	}
	return u.String(), nil
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		switch apiErr.Code {
		case CodeLimitExceeded:
			status = http.StatusRequestEntityTooLarge
		case CodeInternal:
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    CodeInternal,
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func extractSingleFile(form *multipart.Form) (*multipart.FileHeader, error) {
	if form == nil {
		return nil, errors.New("PDFファイルを選択してください。")
	}
	for _, key := range []string{"file", "file[]", "files", "files[]"} {
		if files := form.File[key]; len(files) > 0 {
			return files[0], nil
		}
	}
	return nil, errors.New("PDFファイルを選択してください。")
}
