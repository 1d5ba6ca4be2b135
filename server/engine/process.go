package engine

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ponyo877/spectragate/server/domain"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	processInputSize    = 16
	processJPEGQuality  = 85
	processWriteTimeout = 2 * time.Second
	processStopTimeout  = 2 * time.Second
	maxMessageSize      = 64 << 20
)

// ProcessEngine runs the engine as a child process speaking length-prefixed
// msgpack over stdin and stdout. Each message is a 4-byte big-endian length
// followed by a msgpack map with a "kind" key.
type ProcessEngine struct {
	command string
	args    []string
	env     []string
	logger  zerolog.Logger

	mu       sync.Mutex
	settings domain.Settings
	ready    bool
	input    chan domain.EngineInput
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	writer   sync.WaitGroup
	readers  sync.WaitGroup
	exited   chan struct{}
	// first pipe or exit failure of the running worker
	err error
}

func NewProcessEngine(command string, args []string, env []string, logger zerolog.Logger) *ProcessEngine {
	return &ProcessEngine{command: command, args: args, env: env, logger: logger}
}

func (e *ProcessEngine) Initialize(ctx context.Context, settings domain.Settings) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.input != nil {
		return fmt.Errorf("engine process running: %w", domain.ErrFailedPrecondition)
	}
	if _, err := exec.LookPath(e.command); err != nil {
		return fmt.Errorf("engine command %q: %w: %v", e.command, domain.ErrInternalEngine, err)
	}
	e.settings = settings
	e.ready = true
	return nil
}

func (e *ProcessEngine) Start(ctx context.Context, outputs domain.EngineOutputs) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.ready {
		return fmt.Errorf("engine process not initialized: %w", domain.ErrFailedPrecondition)
	}
	if e.input != nil {
		return fmt.Errorf("engine process already started: %w", domain.ErrFailedPrecondition)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, e.command, e.args...)
	if len(e.env) > 0 {
		cmd.Env = append(cmd.Environ(), e.env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start engine process: %w: %v", domain.ErrInternalEngine, err)
	}

	hello := map[string]any{"kind": "hello", "settings": e.settings.Fields()}
	if err := writeMessage(stdin, hello); err != nil {
		cancel()
		_ = cmd.Wait()
		return fmt.Errorf("failed to send settings: %w: %v", domain.ErrInternalEngine, err)
	}

	e.logger.Info().Int("pid", cmd.Process.Pid).Str("command", e.command).Msg("engine process spawned")

	e.cmd = cmd
	e.cancel = cancel
	e.input = make(chan domain.EngineInput, processInputSize)
	e.exited = make(chan struct{})
	e.err = nil

	e.writer.Add(1)
	go e.writeFrames(stdin, e.input)
	e.readers.Add(2)
	go e.readReplies(stdout, outputs)
	go e.logStderr(stderr)
	go e.waitProcess(cmd, e.exited)
	return nil
}

func (e *ProcessEngine) Submit(in domain.EngineInput) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.input == nil {
		return fmt.Errorf("engine process not started: %w", domain.ErrFailedPrecondition)
	}
	if e.err != nil {
		return fmt.Errorf("engine process failed: %w: %v", domain.ErrInternalEngine, e.err)
	}
	select {
	case e.input <- in:
		return nil
	default:
		return fmt.Errorf("engine process input full: %w", domain.ErrResourceExhausted)
	}
}

// Stop closes stdin so the worker can flush its last replies, then kills it
// if it has not exited within the stop timeout.
func (e *ProcessEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.input == nil {
		e.mu.Unlock()
		return nil
	}
	close(e.input)
	e.input = nil
	cancel := e.cancel
	exited := e.exited
	e.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		e.writer.Wait()
		<-exited
		close(drained)
	}()

	timer := time.NewTimer(processStopTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-drained:
	case <-timer.C:
		e.logger.Warn().Msg("engine process did not exit in time, killing")
		err = fmt.Errorf("engine process stop timeout: %w", domain.ErrInternalEngine)
	case <-ctx.Done():
		err = fmt.Errorf("engine process stop: %w: %v", domain.ErrInternalEngine, ctx.Err())
	}
	cancel()
	<-drained
	return err
}

func (e *ProcessEngine) writeFrames(stdin io.WriteCloser, in <-chan domain.EngineInput) {
	defer e.writer.Done()
	defer stdin.Close()

	broken := false
	for input := range in {
		if broken {
			continue
		}
		jpg, err := input.Frame.JPEG(processJPEGQuality)
		if err != nil {
			e.logger.Warn().Err(err).Msg("dropping frame for engine process")
			continue
		}
		msg := map[string]any{
			"kind":         "frame",
			"timestamp_us": input.TimestampMicros,
			"recording":    input.Recording,
			"width":        input.Frame.Width,
			"height":       input.Frame.Height,
			"jpeg":         jpg,
		}
		if err := writeWithTimeout(stdin, msg, processWriteTimeout); err != nil {
			e.logger.Error().Err(err).Int64("timestamp", input.TimestampMicros).Msg("failed to send frame to engine process")
			e.fail(err)
			broken = true
		}
	}
}

func (e *ProcessEngine) readReplies(stdout io.Reader, outputs domain.EngineOutputs) {
	defer e.readers.Done()

	r := bufio.NewReader(stdout)
	for {
		msg, err := readMessage(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("engine process closed its output: %w", io.ErrUnexpectedEOF)
			}
			if e.fail(err) {
				e.logger.Error().Err(err).Msg("failed to read engine process reply")
				outputs.OnStatus(domain.StatusProcessingFailed)
			}
			return
		}
		dispatch(msg, nil, outputs, e.logger)
	}
}

func (e *ProcessEngine) logStderr(stderr io.Reader) {
	defer e.readers.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			e.logger.Error().Str("log", line).Msg("engine process error")
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			e.logger.Warn().Str("log", line).Msg("engine process warning")
		default:
			e.logger.Debug().Str("log", line).Msg("engine process log")
		}
	}
}

// waitProcess reaps the child once both pipes are drained; Wait closes the
// pipes, so it must not run before the readers finish.
func (e *ProcessEngine) waitProcess(cmd *exec.Cmd, exited chan<- struct{}) {
	defer close(exited)

	e.readers.Wait()
	err := cmd.Wait()
	if err == nil {
		e.logger.Debug().Msg("engine process exited cleanly")
		err = errors.New("engine process exited")
	} else {
		e.logger.Debug().Err(err).Msg("engine process exited")
	}
	e.fail(err)
}

// fail records err as the worker's failure unless Stop has already begun.
// It reports whether err was kept.
func (e *ProcessEngine) fail(err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.input == nil {
		return false
	}
	if e.err == nil {
		e.err = err
	}
	return true
}

func writeWithTimeout(w io.Writer, v any, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- writeMessage(w, v)
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("write timeout after %s", timeout)
	}
}

func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(payload)))
	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

func readMessage(r io.Reader) (map[string]any, error) {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix)
	if n > maxMessageSize {
		return nil, fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read msgpack data: %w", err)
	}
	var msg map[string]any
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return msg, nil
}
