package worker

import (
	"context"
	"errors"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/Gurprince/dev-deck/internal/tasks"
)

// WorkerServer 封装了 Asynq Worker Server 的启动和关闭逻辑。
// 它只消费执行专用队列，Concurrency 即全局同时执行的任务上限，
// 超出的任务留在队列里按 FIFO 等待。
type WorkerServer struct {
	server  *asynq.Server
	handler *ExecutionHandler
	log     *logrus.Entry
}

// NewWorkerServer 创建一个新的 WorkerServer 实例
func NewWorkerServer(redisOpt asynq.RedisClientOpt, handler *ExecutionHandler, concurrency int, logger *logrus.Logger) *WorkerServer {
	if handler == nil {
		panic("NewWorkerServer: received nil handler")
	}
	if concurrency <= 0 {
		concurrency = 3
	}
	logEntry := logger.WithField("component", "worker_server")

	server := asynq.NewServer(redisOpt, serverConfig(concurrency, logEntry))

	return &WorkerServer{
		server:  server,
		handler: handler,
		log:     logEntry,
	}
}

// serverConfig 固定把并发度绑在唯一的执行队列上：
// Concurrency 就是全局同时运行的沙箱数，没有别的队列来分走名额
func serverConfig(concurrency int, logEntry *logrus.Entry) asynq.Config {
	return asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			tasks.ExecutionQueue: 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			taskID := ""
			if rw := task.ResultWriter(); rw != nil {
				taskID = rw.TaskID()
			}
			logEntry.WithFields(logrus.Fields{
				"task_id":   taskID,
				"task_type": task.Type(),
			}).Errorf("Task failed: %v", err)
		}),
	}
}

// newServeMux 注册执行任务的处理函数
func newServeMux(handler *ExecutionHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeExecutionRun, handler.ProcessTask)
	return mux
}

// Start 运行 Worker Server
// 它应该在一个单独的 goroutine 中调用
func (ws *WorkerServer) Start() {
	mux := newServeMux(ws.handler)

	ws.log.Info("Worker server starting...")
	if err := ws.server.Run(mux); err != nil {
		if !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, asynq.ErrServerClosed) {
			ws.log.Fatalf("Could not run worker server: %v", err)
		} else {
			ws.log.Info("Worker server stopped.")
		}
	}
}

// Shutdown 优雅地关闭 Worker Server
func (ws *WorkerServer) Shutdown() {
	ws.log.Info("Shutting down worker server...")
	ws.server.Shutdown()
	ws.log.Info("Worker server shut down complete.")
}
