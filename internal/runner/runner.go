package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loykin/dztiler/internal/logger"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	ErrTimeout     = errors.New("tool timed out")
	ErrNonZeroExit = errors.New("tool exited with non-zero status")
	ErrNoCommand   = errors.New("empty command")
)

// maxCapture bounds the captured stdout/stderr of one invocation; the tail is kept.
const maxCapture = 1 << 20

// Invocation describes one external tool run.
type Invocation struct {
	Dataset string        // dataset name; selects the tool log files
	Stage   string        // pipeline stage, for logs
	Args    []string      // Args[0] is the program
	Env     []string      // nil inherits the process environment
	Dir     string        // working directory, optional
	Timeout time.Duration // 0 means no timeout
}

// Result is the outcome of an invocation that was started.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
	PeakRSS  uint64  // bytes, 0 when sampling is disabled
	PeakCPU  float64 // percent, 0 when sampling is disabled
}

// Runner executes external tools. The returned error is nil only when the
// tool exited with status 0 within its timeout.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// ExecRunner runs tools as child processes.
type ExecRunner struct {
	Log            logger.Config // ToolDir receives a copy of the tool output
	SampleInterval time.Duration // resource sampling period; 0 disables sampling
	Logger         *slog.Logger
}

func (r *ExecRunner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *ExecRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	if len(inv.Args) == 0 || strings.TrimSpace(inv.Args[0]) == "" {
		return Result{ExitCode: -1}, ErrNoCommand
	}
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	// #nosec G204 -- arguments are built by the pipeline, not taken from users
	cmd := exec.CommandContext(ctx, inv.Args[0], inv.Args[1:]...)
	cmd.Env = inv.Env
	cmd.Dir = inv.Dir
	cmd.WaitDelay = 5 * time.Second

	stdout := newTailBuffer(maxCapture)
	stderr := newTailBuffer(maxCapture)
	outW, errW, err := r.Log.ToolWriters(inv.Dataset)
	if err != nil {
		r.logger().Warn("tool log files unavailable", "dataset", inv.Dataset, "error", err)
	}
	cmd.Stdout = tee(stdout, outW)
	cmd.Stderr = tee(stderr, errW)
	defer closeIf(outW)
	defer closeIf(errW)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1, Duration: time.Since(start)}, fmt.Errorf("start %s: %w", inv.Args[0], err)
	}

	var s *sampler
	if r.SampleInterval > 0 && cmd.Process != nil {
		s = startSampler(cmd.Process.Pid, r.SampleInterval)
	}
	waitErr := cmd.Wait()
	if s != nil {
		s.stop()
	}

	res := Result{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if s != nil {
		res.PeakRSS, res.PeakCPU = s.peak()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		return res, fmt.Errorf("%s after %s: %w", inv.Args[0], inv.Timeout, ErrTimeout)
	}
	if waitErr != nil {
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			return res, fmt.Errorf("%s: exit status %d: %w", inv.Args[0], res.ExitCode, ErrNonZeroExit)
		}
		return res, fmt.Errorf("%s: %w", inv.Args[0], waitErr)
	}
	return res, nil
}

func tee(primary io.Writer, secondary io.Writer) io.Writer {
	if secondary == nil {
		return primary
	}
	return io.MultiWriter(primary, secondary)
}

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newTailBuffer(max int) *tailBuffer { return &tailBuffer{max: max} }

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return "...(truncated)\n" + string(b.buf)
	}
	return string(b.buf)
}

// sampler polls the child process for resident memory and CPU usage.
type sampler struct {
	done    chan struct{}
	stopped chan struct{}
	mu      sync.Mutex
	rss     uint64
	cpu     float64
}

func startSampler(pid int, every time.Duration) *sampler {
	s := &sampler{done: make(chan struct{}), stopped: make(chan struct{})}
	go s.run(int32(pid), every) // #nosec G115 -- pids fit in int32
	return s
}

func (s *sampler) run(pid int32, every time.Duration) {
	defer close(s.stopped)
	p, err := process.NewProcess(pid)
	if err != nil {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		s.sample(p)
		select {
		case <-s.done:
			return
		case <-t.C:
		}
	}
}

func (s *sampler) sample(p *process.Process) {
	var rss uint64
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		rss = mi.RSS
	}
	cpu, _ := p.CPUPercent()
	s.mu.Lock()
	if rss > s.rss {
		s.rss = rss
	}
	if cpu > s.cpu {
		s.cpu = cpu
	}
	s.mu.Unlock()
}

func (s *sampler) stop() {
	close(s.done)
	<-s.stopped
}

func (s *sampler) peak() (uint64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rss, s.cpu
}
