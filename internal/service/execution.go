package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/Gurprince/dev-deck/internal/domain"
	"github.com/Gurprince/dev-deck/internal/hub"
	"github.com/Gurprince/dev-deck/internal/repository"
	"github.com/Gurprince/dev-deck/internal/runner"
	"github.com/Gurprince/dev-deck/internal/tasks"
)

// TaskEnqueuer 是服务层对 asynq 客户端的最小依赖
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskCanceller 是服务层对 asynq Inspector 的最小依赖
type TaskCanceller interface {
	DeleteTask(queue, id string) error
	CancelProcessing(id string) error
}

const (
	defaultExecRateMax   = 20
	defaultExecRateWin   = time.Minute
	defaultJobRetention  = 5 * time.Minute
	defaultMaxCodeBytes  = 64 * 1024
	jobOutputBufferLimit = 256 * 1024
)

// jobRecord 是任务注册表中的一条在内存记录
type jobRecord struct {
	job       domain.ExecutionJob
	output    strings.Builder
	truncated bool
}

func (rec *jobRecord) appendOutput(text string) {
	if rec.truncated {
		return
	}
	if rec.output.Len()+len(text)+1 > jobOutputBufferLimit {
		rec.truncated = true
		rec.output.WriteString("... [output truncated]\n")
		return
	}
	rec.output.WriteString(text)
	rec.output.WriteByte('\n')
}

// JobView 是对外可见的任务快照
type JobView struct {
	Job    domain.ExecutionJob
	Output string
}

// ExecutionService 负责执行任务的全生命周期：
// 限流准入、排队、状态流转、输出扇出、取消与归档。
type ExecutionService struct {
	mu   sync.Mutex
	jobs map[string]*jobRecord

	redisClient *redis.Client
	enqueuer    TaskEnqueuer
	canceller   TaskCanceller
	execLogRepo repository.ExecutionLogRepository
	pub         EventPublisher
	membership  RoomMembership

	rateMax     int
	rateWindow  time.Duration
	taskTimeout time.Duration
	retention   time.Duration
	keyPrefix   string
	log         *logrus.Entry
}

// ExecutionConfig 是 ExecutionService 的可调参数
type ExecutionConfig struct {
	RateMax     int           // 每用户窗口内的提交上限
	RateWindow  time.Duration // 限流窗口
	TaskTimeout time.Duration // 排队任务的总预算（含安装与执行）
	Retention   time.Duration // 终态任务在注册表中的滞留时间
	KeyPrefix   string
}

// NewExecutionService 创建 ExecutionService 实例
func NewExecutionService(redisClient *redis.Client, enqueuer TaskEnqueuer, canceller TaskCanceller, execLogRepo repository.ExecutionLogRepository, pub EventPublisher, membership RoomMembership, cfg ExecutionConfig) *ExecutionService {
	if redisClient == nil || enqueuer == nil || canceller == nil || execLogRepo == nil || pub == nil || membership == nil {
		panic("NewExecutionService: received nil dependency")
	}
	if cfg.RateMax <= 0 {
		cfg.RateMax = defaultExecRateMax
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = defaultExecRateWin
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 3 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultJobRetention
	}
	return &ExecutionService{
		jobs:        make(map[string]*jobRecord),
		redisClient: redisClient,
		enqueuer:    enqueuer,
		canceller:   canceller,
		execLogRepo: execLogRepo,
		pub:         pub,
		membership:  membership,
		rateMax:     cfg.RateMax,
		rateWindow:  cfg.RateWindow,
		taskTimeout: cfg.TaskTimeout,
		retention:   cfg.Retention,
		keyPrefix:   cfg.KeyPrefix,
		log:         logrus.WithField("component", "execution"),
	}
}

// Submit 提交一段代码执行。roomID 可为空，表示任务不挂接任何房间。
// 限流在任何任务状态产生之前判定，被限流的提交不留痕迹。
func (s *ExecutionService) Submit(ctx context.Context, roomID string, owner domain.Identity, code string) (*domain.ExecutionJob, error) {
	if strings.TrimSpace(code) == "" {
		return nil, ErrInvalidInput
	}
	if len(code) > defaultMaxCodeBytes {
		return nil, ErrInvalidInput
	}

	allowed, err := s.allowSubmission(ctx, owner.UserID)
	if err != nil {
		s.log.WithError(err).Warn("Rate limiter unavailable, admitting submission")
	} else if !allowed {
		s.log.WithFields(logrus.Fields{
			"user_id": owner.UserID,
			"room_id": roomID,
		}).Info("Execution submission rate limited")
		return nil, ErrRateLimited
	}

	jobID := uuid.NewString()
	now := time.Now()
	job := domain.ExecutionJob{
		ID:          jobID,
		OwnerID:     owner.UserID,
		RoomID:      roomID,
		Code:        code,
		Status:      domain.JobQueued,
		SubmittedAt: now,
	}

	s.mu.Lock()
	s.jobs[jobID] = &jobRecord{job: job}
	s.mu.Unlock()

	payload, err := tasks.NewExecutionRunPayload(jobID, owner.UserID, roomID, code)
	if err != nil {
		s.dropJob(jobID)
		return nil, ErrInternalServer
	}
	task := asynq.NewTask(tasks.TypeExecutionRun, payload)
	_, err = s.enqueuer.EnqueueContext(ctx, task,
		asynq.Queue(tasks.ExecutionQueue),
		asynq.TaskID(jobID),
		asynq.MaxRetry(0),
		asynq.Timeout(s.taskTimeout),
	)
	if err != nil {
		s.dropJob(jobID)
		s.log.WithError(err).WithField("job_id", jobID).Error("Failed to enqueue execution task")
		return nil, ErrInternalServer
	}

	s.log.WithFields(logrus.Fields{
		"job_id":  jobID,
		"user_id": owner.UserID,
		"room_id": roomID,
	}).Info("Execution job queued")
	s.broadcastStatus(&job, "")
	return &job, nil
}

// allowSubmission 用 Redis 固定窗口计数器做每用户限流
func (s *ExecutionService) allowSubmission(ctx context.Context, userID uint) (bool, error) {
	key := fmt.Sprintf("%sratelimit:exec:%d", s.keyPrefix, userID)
	count, err := s.redisClient.Incr(ctx, key).Result()
	if err != nil {
		return true, err
	}
	// 只有窗口的第一次计数设置过期；后续 INCR 不得续期，
	// 否则计数器跨窗口累积，变成终身配额
	if count == 1 {
		if err := s.redisClient.Expire(ctx, key, s.rateWindow).Err(); err != nil {
			return true, err
		}
	}
	return count <= int64(s.rateMax), nil
}

// Status 返回任务快照。终态任务在首次成功送达后即从注册表移除。
func (s *ExecutionService) Status(jobID string, actor domain.Identity) (*JobView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !s.mayAccess(&rec.job, actor) {
		return nil, ErrAccessDenied
	}

	view := &JobView{Job: rec.job, Output: rec.output.String()}
	if rec.job.Status.Terminal() {
		delete(s.jobs, jobID)
	}
	return view, nil
}

// Cancel 取消一个任务。允许任务所有者或任何当前在场的房间成员操作。
// 已终态的任务取消是幂等空操作。
func (s *ExecutionService) Cancel(jobID string, actor domain.Identity) error {
	s.mu.Lock()
	rec, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if !s.mayAccess(&rec.job, actor) {
		s.mu.Unlock()
		return ErrAccessDenied
	}
	status := rec.job.Status
	roomID := rec.job.RoomID
	s.mu.Unlock()

	switch status {
	case domain.JobQueued:
		// 从队列里摘除后任务不会再被 worker 看到，状态在此终结
		if err := s.canceller.DeleteTask(tasks.ExecutionQueue, jobID); err != nil {
			// 摘除失败通常意味着 worker 刚把任务取走。重读状态：
			// 已在运行就必须走运行中取消，否则子进程杀不掉，
			// 任务却被标成 cancelled
			s.log.WithError(err).WithField("job_id", jobID).Warn("Failed to delete queued task, it may already be running")
			s.mu.Lock()
			cur, still := s.jobs[jobID]
			nowRunning := still && cur.job.Status == domain.JobRunning
			s.mu.Unlock()
			if nowRunning {
				if err := s.canceller.CancelProcessing(jobID); err != nil {
					s.log.WithError(err).WithField("job_id", jobID).Error("Failed to signal running task cancellation")
					return ErrInternalServer
				}
				break
			}
		}
		s.Finish(jobID, runner.Result{
			Status:     domain.JobCancelled,
			ExitReason: "cancelled before start",
		})
	case domain.JobRunning:
		// 运行中任务通过 asynq 的 context 取消传导到沙箱，
		// 终态由 worker 在子进程退出后上报
		if err := s.canceller.CancelProcessing(jobID); err != nil {
			s.log.WithError(err).WithField("job_id", jobID).Error("Failed to signal running task cancellation")
			return ErrInternalServer
		}
	default:
		// 已终态
		return nil
	}

	s.log.WithFields(logrus.Fields{
		"job_id":  jobID,
		"room_id": roomID,
		"user_id": actor.UserID,
		"phase":   string(status),
	}).Info("Execution job cancellation requested")
	return nil
}

func (s *ExecutionService) mayAccess(job *domain.ExecutionJob, actor domain.Identity) bool {
	if job.OwnerID == actor.UserID {
		return true
	}
	if job.RoomID == "" {
		return false
	}
	return s.membership.IsMember(job.RoomID, actor.UserID)
}

func (s *ExecutionService) dropJob(jobID string) {
	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()
}

// MarkRunning 由 worker 在开始执行前调用。
// 返回 false 表示任务已不存在或已被取消，worker 应放弃执行。
func (s *ExecutionService) MarkRunning(jobID string) bool {
	s.mu.Lock()
	rec, ok := s.jobs[jobID]
	if !ok || rec.job.Status != domain.JobQueued {
		s.mu.Unlock()
		return false
	}
	now := time.Now()
	rec.job.Status = domain.JobRunning
	rec.job.StartedAt = &now
	job := rec.job
	s.mu.Unlock()

	s.broadcastStatus(&job, "")
	return true
}

// AppendOutput 追加一行实时输出并广播到任务所属房间
func (s *ExecutionService) AppendOutput(jobID string, stream domain.LogStream, text string) {
	s.mu.Lock()
	rec, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	rec.appendOutput(text)
	roomID := rec.job.RoomID
	s.mu.Unlock()

	if roomID == "" {
		return
	}
	s.pub.Publish(roomID, hub.Event{
		Type:   hub.EventExecutionLog,
		RoomID: roomID,
		Payload: hub.ExecutionLogPayload{
			JobID:     jobID,
			Stream:    stream,
			Text:      text,
			Timestamp: time.Now(),
		},
	})
}

// SetPort 记录识别到的服务端口并广播一次运行中状态更新
func (s *ExecutionService) SetPort(jobID string, port int) {
	s.mu.Lock()
	rec, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	rec.job.AssignedPort = port
	job := rec.job
	s.mu.Unlock()

	s.broadcastStatus(&job, "")
}

// Finish 将任务迁移到终态：更新注册表、持久化归档、广播终态事件。
// 对已终态的任务是幂等空操作。
func (s *ExecutionService) Finish(jobID string, res runner.Result) {
	if !res.Status.Terminal() {
		s.log.WithFields(logrus.Fields{
			"job_id": jobID,
			"status": string(res.Status),
		}).Error("Finish called with non-terminal status, ignoring")
		return
	}

	s.mu.Lock()
	rec, ok := s.jobs[jobID]
	if !ok || rec.job.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	rec.job.Status = res.Status
	rec.job.CompletedAt = &now
	rec.job.ExitReason = res.ExitReason
	if res.AssignedPort != 0 {
		rec.job.AssignedPort = res.AssignedPort
	}
	if res.Output != "" {
		// 以运行器的完整快照为准，覆盖逐行累积的副本
		rec.output.Reset()
		rec.truncated = false
		rec.output.WriteString(res.Output)
	}
	job := rec.job
	output := rec.output.String()
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"job_id":      jobID,
		"room_id":     job.RoomID,
		"status":      string(job.Status),
		"exit_reason": job.ExitReason,
	}).Info("Execution job finished")

	entry := &domain.ExecutionLog{
		JobID:        job.ID,
		RoomID:       job.RoomID,
		OwnerID:      job.OwnerID,
		Status:       string(job.Status),
		Output:       output,
		AssignedPort: job.AssignedPort,
		ExitReason:   job.ExitReason,
	}
	if err := s.execLogRepo.Save(context.Background(), entry); err != nil {
		s.log.WithError(err).WithField("job_id", jobID).Error("Failed to archive execution log")
	}

	s.broadcastStatus(&job, output)
}

func (s *ExecutionService) broadcastStatus(job *domain.ExecutionJob, output string) {
	if job.RoomID == "" {
		return
	}
	s.pub.Publish(job.RoomID, hub.Event{
		Type:   hub.EventExecutionStatus,
		RoomID: job.RoomID,
		Payload: hub.ExecutionStatusPayload{
			JobID:        job.ID,
			Status:       job.Status,
			Output:       output,
			AssignedPort: job.AssignedPort,
			ExitReason:   job.ExitReason,
		},
	})
}

// RunJanitor 周期清扫滞留超期的终态任务记录，直到 stop 关闭
func (s *ExecutionService) RunJanitor(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *ExecutionService) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.jobs {
		if rec.job.Status.Terminal() && rec.job.CompletedAt != nil && now.Sub(*rec.job.CompletedAt) > s.retention {
			delete(s.jobs, id)
		}
	}
}
