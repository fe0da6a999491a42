// Package runner 在隔离的临时工作区里执行用户提交的代码。
// 每个任务独占一个工作区目录和至多一个子进程，带有强制的
// 墙钟超时和内存上限，输出逐行实时上报。
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Gurprince/dev-deck/internal/domain"
)

// Sink 接收子进程的实时输出行和服务启动事件，由调用方负责扇出
type Sink interface {
	Line(stream domain.LogStream, text string)
	// ServerStarted 在识别到服务启动标记时回调恰好一次
	ServerStarted(port int)
}

// Config 是沙箱运行器的配置
type Config struct {
	// WorkRoot 是所有任务工作区的父目录
	WorkRoot string
	// InstallCommand 是依赖安装命令（在工作区目录下执行）
	InstallCommand []string
	// InstallTimeout 限制依赖安装耗时
	InstallTimeout time.Duration
	// RunCommand 是启动用户代码的命令
	RunCommand []string
	// RunTimeout 是子进程的墙钟超时，没有无超时的执行
	RunTimeout time.Duration
	// MemoryLimitMB 是子进程堆内存上限
	MemoryLimitMB int
	// Dependencies 是写入清单的固定预审依赖集合
	Dependencies map[string]string
	// MaxOutputBytes 限制保留的输出总量，超出部分丢弃
	MaxOutputBytes int
	// KillGrace 是先礼后兵的宽限期：SIGTERM 之后等待多久再 SIGKILL
	KillGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkRoot == "" {
		c.WorkRoot = filepath.Join(os.TempDir(), "devdeck-jobs")
	}
	if len(c.InstallCommand) == 0 {
		c.InstallCommand = []string{"npm", "install", "--no-audit", "--no-fund", "--loglevel", "error"}
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = 90 * time.Second
	}
	if len(c.RunCommand) == 0 {
		c.RunCommand = []string{"node", "index.js"}
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 30 * time.Second
	}
	if c.MemoryLimitMB <= 0 {
		c.MemoryLimitMB = 256
	}
	if c.Dependencies == nil {
		c.Dependencies = map[string]string{
			"express": "^4.19.2",
			"cors":    "^2.8.5",
			"axios":   "^1.7.2",
		}
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 256 * 1024
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 2 * time.Second
	}
	return c
}

// Result 是一次执行的终态结果。
// 超时携带全部已捕获输出返回，属于"成功但输出不完整"，不是错误。
type Result struct {
	Status       domain.JobStatus
	Output       string
	AssignedPort int
	ExitReason   string
}

// Runner 是沙箱运行器
type Runner struct {
	cfg Config
	log *logrus.Entry
}

// New 创建沙箱运行器
func New(cfg Config) *Runner {
	return &Runner{
		cfg: cfg.withDefaults(),
		log: logrus.WithField("component", "runner"),
	}
}

// 识别"服务已启动"标记及端口号的模式
var (
	serverStartRe = regexp.MustCompile(`(?i)(?:listening|running|started|server)\b[^0-9]*(?::|\bport\s*)(\d{2,5})\b`)
	portLineRe    = regexp.MustCompile(`(?i)\bport[:=\s]+(\d{2,5})\b`)
	addrInUseRe   = regexp.MustCompile(`(?i)EADDRINUSE|address already in use`)
)

// Run 执行一个任务：建工作区、装依赖、跑子进程、流式上报输出。
// ctx 取消对应任务取消；超时由 Config.RunTimeout 内部强制。
// 返回的 Result.Status 一定是终态，工作区在返回前被销毁。
func (r *Runner) Run(ctx context.Context, jobID, code string, sink Sink) Result {
	logCtx := r.log.WithField("job_id", jobID)

	dir, err := r.prepareWorkspace(jobID, code)
	if err != nil {
		logCtx.WithError(err).Error("Failed to prepare workspace")
		return Result{
			Status:     domain.JobFailed,
			Output:     err.Error(),
			ExitReason: "workspace setup failed",
		}
	}
	defer r.cleanup(jobID, dir)

	buf := &outputBuffer{max: r.cfg.MaxOutputBytes}

	// 依赖安装：失败则任务终止于 failed，不会产生子进程
	if res, ok := r.install(ctx, dir, buf, logCtx); !ok {
		return res
	}

	// 子进程执行，端口冲突时在同一墙钟预算内重试恰好一次
	deadline := time.Now().Add(r.cfg.RunTimeout)
	var res Result
	for attempt := 0; attempt < 2; attempt++ {
		port, err := allocatePort()
		if err != nil {
			logCtx.WithError(err).Error("Failed to allocate port for sandbox")
			return Result{
				Status:     domain.JobFailed,
				Output:     buf.String(),
				ExitReason: "port allocation failed",
			}
		}

		var conflict bool
		res, conflict = r.runOnce(ctx, deadline, dir, port, buf, sink, logCtx.WithField("attempt", attempt))
		if conflict && attempt == 0 {
			logCtx.WithField("port", port).Warn("Port in use, retrying once with a fresh port")
			continue
		}
		break
	}
	return res
}

// prepareWorkspace 创建任务独占的工作区：用户代码 + 固定依赖清单
func (r *Runner) prepareWorkspace(jobID, code string) (string, error) {
	dir := filepath.Join(r.cfg.WorkRoot, "job-"+jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.js"), []byte(code), 0o644); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("write user code: %w", err)
	}

	manifest := map[string]interface{}{
		"name":         "devdeck-job",
		"version":      "1.0.0",
		"private":      true,
		"dependencies": r.cfg.Dependencies,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "package.json"), data, 0o644); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return dir, nil
}

// install 运行依赖安装步骤。返回 ok=false 表示任务已终结。
func (r *Runner) install(ctx context.Context, dir string, buf *outputBuffer, logCtx *logrus.Entry) (Result, bool) {
	ictx, cancel := context.WithTimeout(ctx, r.cfg.InstallTimeout)
	defer cancel()

	cmd := exec.CommandContext(ictx, r.cfg.InstallCommand[0], r.cfg.InstallCommand[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err == nil {
		logCtx.Debug("Dependency install succeeded")
		return Result{}, true
	}

	buf.add(strings.TrimRight(string(out), "\n"))
	if errors.Is(ctx.Err(), context.Canceled) {
		logCtx.Info("Install cancelled")
		return Result{Status: domain.JobCancelled, Output: buf.String(), ExitReason: "cancelled during install"}, false
	}
	reason := "dependency install failed"
	if errors.Is(ictx.Err(), context.DeadlineExceeded) {
		reason = "dependency install timed out"
	}
	logCtx.WithError(err).Warn("Dependency install failed, no subprocess will be spawned")
	return Result{Status: domain.JobFailed, Output: buf.String(), ExitReason: reason}, false
}

// runState 聚合扫描 goroutine 观察到的子进程状态
type runState struct {
	mu           sync.Mutex
	assignedPort int
	serverSeen   bool
	conflict     bool
}

// runOnce 启动一次子进程并等待其终结。
// 第二个返回值为 true 表示观测到端口冲突、进程已被杀死，
// 调用方可决定是否重试。
func (r *Runner) runOnce(ctx context.Context, deadline time.Time, dir string, port int, buf *outputBuffer, sink Sink, logCtx *logrus.Entry) (Result, bool) {
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	cmd := exec.Command(r.cfg.RunCommand[0], r.cfg.RunCommand[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("PORT=%d", port),
		fmt.Sprintf("NODE_OPTIONS=--max-old-space-size=%d", r.cfg.MemoryLimitMB),
	)
	// 独立进程组，保证把用户代码 fork 出来的后代一起杀掉
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Status: domain.JobFailed, Output: buf.String(), ExitReason: "spawn failed: " + err.Error()}, false
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{Status: domain.JobFailed, Output: buf.String(), ExitReason: "spawn failed: " + err.Error()}, false
	}
	if err := cmd.Start(); err != nil {
		return Result{Status: domain.JobFailed, Output: buf.String(), ExitReason: "spawn failed: " + err.Error()}, false
	}
	logCtx.WithFields(logrus.Fields{"pid": cmd.Process.Pid, "port": port}).Info("Sandbox subprocess started")

	state := &runState{}
	var wg sync.WaitGroup
	wg.Add(2)
	go r.scan(stdout, domain.StreamStdout, buf, sink, state, cmd, &wg)
	go r.scan(stderr, domain.StreamStderr, buf, sink, state, cmd, &wg)

	scanned := make(chan struct{})
	go func() {
		wg.Wait()
		close(scanned)
	}()

	// 看门狗：超时或取消一律强杀整个进程组。
	// 不能只在等管道 EOF 时盯超时——子进程关掉自己的输出流后
	// 管道就关闭了，但进程本身可能还活着。
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			r.kill(cmd, logCtx)
		case <-watchDone:
		}
	}()

	<-scanned
	waitErr := cmd.Wait()
	close(watchDone)

	state.mu.Lock()
	assignedPort := state.assignedPort
	serverSeen := state.serverSeen
	conflict := state.conflict
	state.mu.Unlock()

	res := Result{Output: buf.String(), AssignedPort: assignedPort}
	switch {
	case conflict:
		// 首次冲突交给调用方重试；重试后仍冲突则终结为 failed
		res.Status = domain.JobFailed
		res.ExitReason = "port conflict persisted after retry"
		return res, true
	case errors.Is(ctx.Err(), context.Canceled):
		res.Status = domain.JobCancelled
		res.ExitReason = "cancelled"
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		// 超时是携带部分输出的成功终态，长驻服务到点也走这里
		res.Status = domain.JobTimedOut
		res.ExitReason = fmt.Sprintf("timed out after %s", r.cfg.RunTimeout)
	case waitErr == nil:
		res.Status = domain.JobCompleted
		res.ExitReason = "exit status 0"
	default:
		res.Status = domain.JobFailed
		res.ExitReason = waitErr.Error()
		if serverSeen {
			res.ExitReason = "server exited unexpectedly: " + waitErr.Error()
		}
	}
	return res, false
}

// scan 逐行读取一个输出流：上报、缓存、识别服务标记和端口冲突
func (r *Runner) scan(pipe io.Reader, stream domain.LogStream, buf *outputBuffer, sink Sink, state *runState, cmd *exec.Cmd, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.add(line)
		if sink != nil {
			sink.Line(stream, line)
		}

		if p, ok := detectServerStart(line); ok {
			state.mu.Lock()
			first := !state.serverSeen
			if first {
				state.serverSeen = true
				state.assignedPort = p
			}
			state.mu.Unlock()
			if first {
				r.log.WithField("port", p).Info("Server start marker detected, treating job as long-running service")
				if sink != nil {
					sink.ServerStarted(p)
				}
			}
		}

		if stream == domain.StreamStderr && addrInUseRe.MatchString(line) {
			state.mu.Lock()
			first := !state.conflict
			state.conflict = true
			state.mu.Unlock()
			if first {
				// 立即杀掉本次尝试，冲突处理交回 Run
				r.kill(cmd, r.log)
			}
		}
	}
}

// kill 先发 SIGTERM 给整个进程组，宽限期后补 SIGKILL
func (r *Runner) kill(cmd *exec.Cmd, logCtx *logrus.Entry) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		// 进程组可能已经没了
		return
	}
	time.AfterFunc(r.cfg.KillGrace, func() {
		if err := syscall.Kill(pgid, syscall.SIGKILL); err == nil {
			logCtx.Warn("Subprocess did not exit within grace period, sent SIGKILL")
		}
	})
}

// cleanup 销毁工作区。失败短暂延迟后重试一次，仍失败只记日志，
// 绝不作为任务失败上报。
func (r *Runner) cleanup(jobID, dir string) {
	if err := os.RemoveAll(dir); err == nil {
		return
	}
	time.Sleep(500 * time.Millisecond)
	if err := os.RemoveAll(dir); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"job_id":    jobID,
			"workspace": dir,
		}).Error("Failed to remove workspace after retry")
	}
}

// allocatePort 向操作系统申请一个空闲端口
func allocatePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// detectServerStart 识别"服务已启动"标记并提取端口号
func detectServerStart(line string) (int, bool) {
	if m := serverStartRe.FindStringSubmatch(line); m != nil {
		if p, err := parsePort(m[1]); err == nil {
			return p, true
		}
	}
	if m := portLineRe.FindStringSubmatch(line); m != nil {
		if p, err := parsePort(m[1]); err == nil {
			return p, true
		}
	}
	return 0, false
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("port out of range: %d", p)
	}
	return p, nil
}

// outputBuffer 是容量受限的输出累积缓冲
type outputBuffer struct {
	mu        sync.Mutex
	b         strings.Builder
	max       int
	truncated bool
}

func (o *outputBuffer) add(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.truncated {
		return
	}
	if o.b.Len()+len(line)+1 > o.max {
		o.truncated = true
		o.b.WriteString("... [output truncated]\n")
		return
	}
	o.b.WriteString(line)
	o.b.WriteByte('\n')
}

func (o *outputBuffer) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.b.String()
}
