package julius

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// freePort asks the kernel for an unused TCP port on host.
func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("julius: find free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// buildArgs returns the engine command line. The jconf file comes after the
// fixed options so it can override them; the module port is last.
func buildArgs(cfg Config, logDir string) []string {
	args := []string{
		"-rejectshort", strconv.Itoa(int(cfg.RejectShort / time.Millisecond)),
		"-record", logDir,
		"-smpFreq", strconv.Itoa(cfg.SampleRate),
		"-input", "adinnet",
		"-adport", strconv.Itoa(cfg.AudioPort),
	}
	args = append(args, cfg.ExtraArgs...)
	args = append(args, "-C", cfg.JConf)
	args = append(args, "-module", strconv.Itoa(cfg.ModulePort))
	return args
}

// process wraps a running engine.
type process struct {
	cmd    *exec.Cmd
	exited chan struct{}
	err    error
}

func startProcess(cfg Config, logDir string, logger zerolog.Logger) (*process, error) {
	cmd := exec.Command(cfg.Binary, buildArgs(cfg, logDir)...)
	cmd.Stdout = lineLogger{logger: logger, stream: "stdout"}
	cmd.Stderr = lineLogger{logger: logger, stream: "stderr"}

	logger.Info().Str("binary", cfg.Binary).Strs("args", cmd.Args[1:]).Msg("Starting engine process")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("julius: start %s: %w", cfg.Binary, err)
	}

	p := &process{cmd: cmd, exited: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

// stop sends SIGTERM and kills the process if it has not exited after grace.
func (p *process) stop(grace time.Duration) error {
	select {
	case <-p.exited:
		return p.err
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = p.cmd.Process.Kill()
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	select {
	case <-p.exited:
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	return p.err
}

// lineLogger forwards engine output to the debug log line by line.
type lineLogger struct {
	logger zerolog.Logger
	stream string
}

func (w lineLogger) Write(p []byte) (int, error) {
	sc := bufio.NewScanner(bytes.NewReader(p))
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			w.logger.Debug().Str("stream", w.stream).Msg(line)
		}
	}
	return len(p), nil
}
