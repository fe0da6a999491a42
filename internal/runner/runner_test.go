package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gurprince/dev-deck/internal/domain"
)

// collectSink 收集运行器回调的输出行和服务启动事件
type collectSink struct {
	mu    sync.Mutex
	lines []string
	ports []int
}

func (s *collectSink) Line(stream domain.LogStream, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, string(stream)+": "+text)
}

func (s *collectSink) ServerStarted(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports = append(s.ports, port)
}

func (s *collectSink) joined() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.lines, "\n")
}

// testConfig 用 shell 命令代替 node，行为可控且无外部依赖
func testConfig(t *testing.T, runCmd string) Config {
	t.Helper()
	return Config{
		WorkRoot:       t.TempDir(),
		InstallCommand: []string{"true"},
		InstallTimeout: 5 * time.Second,
		RunCommand:     []string{"sh", "-c", runCmd},
		RunTimeout:     10 * time.Second,
		KillGrace:      200 * time.Millisecond,
	}
}

func TestRunner_CompletedWithOutput(t *testing.T) {
	cfg := testConfig(t, "echo hello; echo oops >&2")
	r := New(cfg)
	sink := &collectSink{}

	res := r.Run(context.Background(), "job-ok", "ignored", sink)

	assert.Equal(t, domain.JobCompleted, res.Status)
	assert.Equal(t, "exit status 0", res.ExitReason)
	assert.Contains(t, res.Output, "hello")
	assert.Contains(t, res.Output, "oops")
	assert.Contains(t, sink.joined(), "stdout: hello")
	assert.Contains(t, sink.joined(), "stderr: oops")

	// 工作区在返回前被销毁
	_, err := os.Stat(filepath.Join(cfg.WorkRoot, "job-job-ok"))
	assert.True(t, os.IsNotExist(err), "工作区应已被清理")
}

func TestRunner_NonZeroExitFails(t *testing.T) {
	r := New(testConfig(t, "echo boom; exit 3"))

	res := r.Run(context.Background(), "job-fail", "ignored", &collectSink{})

	assert.Equal(t, domain.JobFailed, res.Status)
	assert.Contains(t, res.Output, "boom")
	assert.Contains(t, res.ExitReason, "exit status 3")
}

func TestRunner_TimeoutKeepsPartialOutput(t *testing.T) {
	cfg := testConfig(t, "echo tick; sleep 30")
	cfg.RunTimeout = 500 * time.Millisecond
	r := New(cfg)

	start := time.Now()
	res := r.Run(context.Background(), "job-slow", "ignored", &collectSink{})

	assert.Equal(t, domain.JobTimedOut, res.Status, "超时是携带部分输出的终态")
	assert.Contains(t, res.Output, "tick")
	assert.Contains(t, res.ExitReason, "timed out")
	assert.Less(t, time.Since(start), 5*time.Second, "超时后应立即强杀，不等 sleep 结束")
}

func TestRunner_TimeoutAfterPipesClosed(t *testing.T) {
	// 子进程关掉自己的输出流后继续存活：管道 EOF 不能当作进程退出，
	// 超时必须照样强杀
	cfg := testConfig(t, "echo up; exec >/dev/null 2>&1; sleep 15")
	cfg.RunTimeout = 500 * time.Millisecond
	r := New(cfg)

	start := time.Now()
	res := r.Run(context.Background(), "job-detached", "ignored", &collectSink{})

	assert.Equal(t, domain.JobTimedOut, res.Status)
	assert.Contains(t, res.Output, "up")
	assert.Less(t, time.Since(start), 5*time.Second, "关闭输出流的进程也须在超时点被杀")
}

func TestRunner_CancelledByContext(t *testing.T) {
	r := New(testConfig(t, "echo started; sleep 30"))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	res := r.Run(ctx, "job-cancel", "ignored", &collectSink{})

	assert.Equal(t, domain.JobCancelled, res.Status)
	assert.Equal(t, "cancelled", res.ExitReason)
	assert.Contains(t, res.Output, "started")
}

func TestRunner_InstallFailureSkipsSubprocess(t *testing.T) {
	cfg := testConfig(t, "echo should-not-run")
	cfg.InstallCommand = []string{"sh", "-c", "echo nope >&2; false"}
	r := New(cfg)

	res := r.Run(context.Background(), "job-install", "ignored", &collectSink{})

	assert.Equal(t, domain.JobFailed, res.Status)
	assert.Equal(t, "dependency install failed", res.ExitReason)
	assert.Contains(t, res.Output, "nope")
	assert.NotContains(t, res.Output, "should-not-run", "安装失败后不应产生子进程")
}

func TestRunner_ServerStartDetection(t *testing.T) {
	cfg := testConfig(t, "echo 'Server listening on port 4567'; sleep 30")
	cfg.RunTimeout = 800 * time.Millisecond
	r := New(cfg)
	sink := &collectSink{}

	res := r.Run(context.Background(), "job-server", "ignored", sink)

	assert.Equal(t, domain.JobTimedOut, res.Status, "长驻服务到点按超时收束")
	assert.Equal(t, 4567, res.AssignedPort)
	require.Len(t, sink.ports, 1, "服务启动应回调恰好一次")
	assert.Equal(t, 4567, sink.ports[0])
}

func TestRunner_PortConflictRetriesOnce(t *testing.T) {
	// 首次尝试报端口占用后被杀掉，重试靠工作区里的标记文件走成功分支
	script := "if [ -f retried ]; then echo recovered; else touch retried; echo 'Error: listen EADDRINUSE :::3000' >&2; sleep 30; fi"
	r := New(testConfig(t, script))

	res := r.Run(context.Background(), "job-conflict", "ignored", &collectSink{})

	assert.Equal(t, domain.JobCompleted, res.Status)
	assert.Contains(t, res.Output, "recovered")
}

func TestRunner_PortConflictPersists(t *testing.T) {
	script := "echo 'Error: listen EADDRINUSE :::3000' >&2; sleep 30"
	r := New(testConfig(t, script))

	res := r.Run(context.Background(), "job-conflict2", "ignored", &collectSink{})

	assert.Equal(t, domain.JobFailed, res.Status)
	assert.Contains(t, res.ExitReason, "port conflict")
}

func TestRunner_WorkspaceLayout(t *testing.T) {
	r := New(Config{WorkRoot: t.TempDir()})

	dir, err := r.prepareWorkspace("job-ws", "console.log('hi')")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	code, err := os.ReadFile(filepath.Join(dir, "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log('hi')", string(code))

	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	require.NoError(t, err)
	var manifest struct {
		Private      bool              `json:"private"`
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(raw, &manifest))
	assert.True(t, manifest.Private)
	assert.Contains(t, manifest.Dependencies, "express", "清单应只含固定预审依赖")
}

func TestDetectServerStart(t *testing.T) {
	cases := []struct {
		line string
		port int
		ok   bool
	}{
		{"Server listening on port 3000", 3000, true},
		{"Example app listening at http://localhost:8080", 8080, true},
		{"app running on PORT=5000", 5000, true},
		{"server started, port 4000", 4000, true},
		{"just a log line", 0, false},
		{"error code 123", 0, false},
	}
	for _, tc := range cases {
		port, ok := detectServerStart(tc.line)
		assert.Equal(t, tc.ok, ok, tc.line)
		if tc.ok {
			assert.Equal(t, tc.port, port, tc.line)
		}
	}
}

func TestOutputBufferTruncation(t *testing.T) {
	buf := &outputBuffer{max: 24}
	buf.add("0123456789")
	buf.add("0123456789")
	buf.add("overflow line")
	buf.add("after truncation")

	out := buf.String()
	assert.Contains(t, out, "[output truncated]")
	assert.NotContains(t, out, "after truncation")
	assert.Equal(t, 1, strings.Count(out, "[output truncated]"), "截断标记只出现一次")
}
