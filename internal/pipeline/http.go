package pipeline

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/asset-forge/internal/auth"
	"github.com/yourusername/asset-forge/internal/logger"
)

const (
	eventPipelineUpdate = "pipeline-update"
	eventError          = "error"
)

// Submitter は生成リクエストを受け付けるサービスが実装します。
type Submitter interface {
	Submit(ctx context.Context, req GenerationRequest, identity *auth.Identity) (*SubmitResult, error)
	AllowsAnonymous() bool
}

// StatusReader はジョブ状態を返すサービスが実装します。
type StatusReader interface {
	GetStatus(ctx context.Context, pipelineID string) (PipelineStatus, error)
}

// Streamer はジョブ状態を継続的に送信するサービスが実装します。
type Streamer interface {
	Stream(ctx context.Context, pipelineID string, emit EmitFunc) error
}

// Lister は呼び出し元のジョブ一覧を返すサービスが実装します。
type Lister interface {
	List(ctx context.Context, identity *auth.Identity, limit int) ([]PipelineStatus, error)
}

// SubmitHandler は POST /api/pipeline のハンドラーを返します。
func SubmitHandler(svc Submitter, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := auth.IdentityFromContext(c)
		if identity == nil && !svc.AllowsAnonymous() {
			respondWithError(c, log, ErrUnauthorized)
			return
		}

		var req GenerationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondWithError(c, log, &ValidationError{Message: "リクエストボディを JSON で送信してください"})
			return
		}

		result, err := svc.Submit(c.Request.Context(), req, identity)
		if err != nil {
			respondWithError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// StatusHandler は GET /api/pipeline/:id のハンドラーを返します。
func StatusHandler(svc StatusReader, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := svc.GetStatus(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondWithError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

// StreamHandler は GET /api/pipeline/:id/stream のハンドラーを返します。
// 接続確立後のエラーは HTTP ステータスではなく error イベントで通知します。
func StreamHandler(svc Streamer, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		pipelineID := c.Param("id")
		c.Header("Content-Type", sse.ContentType)
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		ctx := c.Request.Context()
		err := svc.Stream(ctx, pipelineID, func(status PipelineStatus) error {
			c.Render(-1, sse.Event{
				Event: eventPipelineUpdate,
				Id:    strconv.FormatInt(time.Now().UnixMilli(), 10),
				Data:  status,
			})
			c.Writer.Flush()
			return ctx.Err()
		})
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}

		message := "ストリームの送信に失敗しました"
		if isNotFound(err) {
			message = "pipeline not found"
		} else {
			log.Error("pipeline stream failed", "pipeline_id", pipelineID, "error", err)
		}
		c.Render(-1, sse.Event{
			Event: eventError,
			Data:  gin.H{"error": message},
		})
		c.Writer.Flush()
	}
}

// ListHandler は GET /api/pipelines のハンドラーを返します。
func ListHandler(svc Lister, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				respondWithError(c, log, &ValidationError{Field: "limit", Message: "must be a positive integer"})
				return
			}
			limit = n
		}

		items, err := svc.List(c.Request.Context(), auth.IdentityFromContext(c), limit)
		if err != nil {
			respondWithError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"pipelines": items})
	}
}

// RegisterRoutes はパイプラインのルートを登録します。
// submit には認証・CSRF などのミドルウェアを追加できます。
func RegisterRoutes(rg *gin.RouterGroup, svc *Service, log *logger.Logger, submit ...gin.HandlerFunc) {
	rg.POST("/pipeline", append(submit, SubmitHandler(svc, log))...)
	rg.GET("/pipeline/:id", StatusHandler(svc, log))
	rg.GET("/pipeline/:id/stream", StreamHandler(svc, log))
	rg.GET("/pipelines", ListHandler(svc, log))
}

func respondWithError(c *gin.Context, log *logger.Logger, err error) {
	var validationErr *ValidationError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": validationErr.Error(),
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHORIZED",
			"message": "認証が必要です",
		})
	case isNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "PIPELINE_NOT_FOUND",
			"message": "指定されたパイプラインが見つかりません",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました",
		})
	default:
		log.Error("pipeline request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました",
		})
	}
}
