package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Gurprince/dev-deck/internal/middleware"
	"github.com/Gurprince/dev-deck/internal/service"
)

// ExecutionHandler 封装了代码执行相关的 HTTP 处理逻辑
type ExecutionHandler struct {
	execService *service.ExecutionService
}

// NewExecutionHandler 创建 ExecutionHandler 实例
func NewExecutionHandler(execService *service.ExecutionService) *ExecutionHandler {
	return &ExecutionHandler{execService: execService}
}

// SubmitRequest 定义提交执行请求的结构体。room_id 可省略，省略时日志不做房间扇出
type SubmitRequest struct {
	RoomID string `json:"room_id"`
	Code   string `json:"code" binding:"required"`
}

// SubmitResponse 定义提交成功的响应结构体
type SubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// Submit 处理代码执行提交请求，接受后立即返回 202
func (h *ExecutionHandler) Submit(c *gin.Context) {
	ident, ok := middleware.IdentityFromContext(c)
	if !ok {
		logrus.Warn("Handler.Submit: Identity not found in context, middleware missing or failed?")
		ErrorResponse(c, http.StatusUnauthorized, "User not authenticated")
		return
	}
	logCtx := logrus.WithField("user_id", ident.UserID)

	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logCtx.WithError(err).Warn("Handler.Submit: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: code is required")
		return
	}

	job, err := h.execService.Submit(c.Request.Context(), req.RoomID, ident, req.Code)
	if err != nil {
		logCtx.WithError(err).Warn("Handler.Submit: Submission rejected")
		HandleServiceError(c, err)
		return
	}

	logCtx.WithFields(logrus.Fields{"job_id": job.ID, "room_id": job.RoomID}).Info("Handler.Submit: Execution job accepted")
	SuccessResponse(c, http.StatusAccepted, SubmitResponse{
		JobID:  job.ID,
		Status: string(job.Status),
	})
}

// StatusResponse 定义任务状态查询的响应结构体
type StatusResponse struct {
	JobID        string     `json:"job_id"`
	Status       string     `json:"status"`
	Output       string     `json:"output"`
	AssignedPort int        `json:"assigned_port,omitempty"`
	ExitReason   string     `json:"exit_reason,omitempty"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Status 处理任务状态查询请求
func (h *ExecutionHandler) Status(c *gin.Context) {
	ident, ok := middleware.IdentityFromContext(c)
	if !ok {
		ErrorResponse(c, http.StatusUnauthorized, "User not authenticated")
		return
	}

	view, err := h.execService.Status(c.Param("jobId"), ident)
	if err != nil {
		HandleServiceError(c, err)
		return
	}

	SuccessResponse(c, http.StatusOK, StatusResponse{
		JobID:        view.Job.ID,
		Status:       string(view.Job.Status),
		Output:       view.Output,
		AssignedPort: view.Job.AssignedPort,
		ExitReason:   view.Job.ExitReason,
		SubmittedAt:  view.Job.SubmittedAt,
		StartedAt:    view.Job.StartedAt,
		CompletedAt:  view.Job.CompletedAt,
	})
}

// Cancel 处理任务取消请求
func (h *ExecutionHandler) Cancel(c *gin.Context) {
	ident, ok := middleware.IdentityFromContext(c)
	if !ok {
		ErrorResponse(c, http.StatusUnauthorized, "User not authenticated")
		return
	}
	jobID := c.Param("jobId")

	if err := h.execService.Cancel(jobID, ident); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"job_id":  jobID,
			"user_id": ident.UserID,
		}).Warn("Handler.Cancel: Cancellation rejected")
		HandleServiceError(c, err)
		return
	}

	SuccessResponse(c, http.StatusOK, gin.H{"message": "Cancellation requested", "job_id": jobID})
}
