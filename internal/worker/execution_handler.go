package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/Gurprince/dev-deck/internal/domain"
	"github.com/Gurprince/dev-deck/internal/runner"
	"github.com/Gurprince/dev-deck/internal/tasks"
)

// JobLifecycle 是 worker 回写任务状态所需的服务层接口
type JobLifecycle interface {
	MarkRunning(jobID string) bool
	AppendOutput(jobID string, stream domain.LogStream, text string)
	SetPort(jobID string, port int)
	Finish(jobID string, res runner.Result)
}

// ExecutionHandler 处理沙箱执行任务
type ExecutionHandler struct {
	runner *runner.Runner
	jobs   JobLifecycle
}

// NewExecutionHandler 创建 Handler 实例
func NewExecutionHandler(r *runner.Runner, jobs JobLifecycle) *ExecutionHandler {
	if r == nil || jobs == nil {
		panic("NewExecutionHandler: received nil dependency")
	}
	return &ExecutionHandler{runner: r, jobs: jobs}
}

// jobSink 把运行器的实时输出接回服务层扇出
type jobSink struct {
	jobID string
	jobs  JobLifecycle
}

func (s *jobSink) Line(stream domain.LogStream, text string) {
	s.jobs.AppendOutput(s.jobID, stream, text)
}

func (s *jobSink) ServerStarted(port int) {
	s.jobs.SetPort(s.jobID, port)
}

// ProcessTask 实现 asynq.Handler 接口。
// 任务不重试：运行器返回的任何终态都在这里上报后吞掉，
// 返回 error 只会污染队列语义。
func (h *ExecutionHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	payload, err := tasks.ParseExecutionRunPayload(t.Payload())
	if err != nil {
		logrus.WithError(err).Error("Failed to unmarshal execution task payload")
		return fmt.Errorf("bad execution payload: %v: %w", err, asynq.SkipRetry)
	}

	logCtx := logrus.WithFields(logrus.Fields{
		"task_type": t.Type(),
		"job_id":    payload.JobID,
		"room_id":   payload.RoomID,
	})

	if !h.jobs.MarkRunning(payload.JobID) {
		// 排队期间被取消或已被清扫，直接放弃
		logCtx.Info("Job no longer runnable, skipping execution")
		return nil
	}
	logCtx.Info("Processing execution task...")

	res := h.runner.Run(ctx, payload.JobID, payload.Code, &jobSink{jobID: payload.JobID, jobs: h.jobs})
	h.jobs.Finish(payload.JobID, res)

	logCtx.WithFields(logrus.Fields{
		"status":      string(res.Status),
		"exit_reason": res.ExitReason,
	}).Info("Execution task processed")
	return nil
}
