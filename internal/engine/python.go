package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/segstream/internal/config"
	"github.com/care/segstream/internal/prompt"
	"github.com/care/segstream/internal/types"
)

// PythonEngine runs the segmentation model in a Python subprocess. The
// protocol is synchronous request/response over stdin/stdout: each call
// writes one length-prefixed msgpack request and reads exactly one reply.
// A mutex serializes callers so requests and replies never interleave.
type PythonEngine struct {
	workerScript string
	checkpoint   string
	device       string
	maxMasks     int

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	isActive atomic.Bool

	// reqMu serializes the request/response exchange on the pipes.
	reqMu sync.Mutex

	setImageCount uint64
	predictCount  uint64
	errorCount    uint64
}

// NewPythonEngine creates an engine from config. The worker is not
// spawned until Start.
func NewPythonEngine(cfg *config.Config) (*PythonEngine, error) {
	if cfg.Engine.WorkerScript == "" {
		return nil, fmt.Errorf("worker_script is required")
	}

	return &PythonEngine{
		workerScript: cfg.Engine.WorkerScript,
		checkpoint:   cfg.Engine.Checkpoint,
		device:       cfg.Engine.Device,
		maxMasks:     cfg.Engine.MaxMasks,
	}, nil
}

// Start spawns the Python worker process
func (e *PythonEngine) Start(ctx context.Context) error {
	if e.isActive.Load() {
		return fmt.Errorf("engine already started")
	}

	e.ctx, e.cancel = context.WithCancel(ctx)

	args := []string{
		"--checkpoint", e.checkpoint,
		"--device", e.device,
	}

	e.cmd = exec.CommandContext(e.ctx, e.workerScript, args...)

	stdin, err := e.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	e.stdin = stdin

	stdout, err := e.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	e.stdout = stdout

	stderr, err := e.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	e.stderr = stderr

	if err := e.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start python worker: %w", err)
	}

	e.isActive.Store(true)

	e.wg.Add(2)
	go e.logStderr()
	go e.waitProcess()

	slog.Info("python segmentation worker started",
		"pid", e.cmd.Process.Pid,
		"script", e.workerScript,
		"checkpoint", e.checkpoint,
		"device", e.device,
	)

	return nil
}

// workerResponse is the generic reply shape from the Python side.
type workerResponse struct {
	OK     bool      `msgpack:"ok"`
	Error  string    `msgpack:"error"`
	Masks  [][]byte  `msgpack:"masks"`
	Scores []float64 `msgpack:"scores"`
	Width  int       `msgpack:"width"`
	Height int       `msgpack:"height"`
}

// SetImage loads a frame into the model's image context.
func (e *PythonEngine) SetImage(frame types.Frame) error {
	if !e.isActive.Load() {
		return ErrEngineUnavailable
	}

	request := map[string]interface{}{
		"op":         "set_image",
		"frame_data": frame.Data,
		"width":      frame.Width,
		"height":     frame.Height,
		"seq":        frame.Seq,
	}

	var resp workerResponse
	if err := e.roundTrip(request, &resp); err != nil {
		atomic.AddUint64(&e.errorCount, 1)
		return fmt.Errorf("set_image failed: %w", err)
	}
	if !resp.OK {
		atomic.AddUint64(&e.errorCount, 1)
		return fmt.Errorf("set_image rejected by worker: %s", resp.Error)
	}

	atomic.AddUint64(&e.setImageCount, 1)
	return nil
}

// Predict runs inference with the given prompt snapshot against the last
// SetImage frame.
func (e *PythonEngine) Predict(snap prompt.Snapshot) ([]types.MaskResult, error) {
	if !e.isActive.Load() {
		return nil, ErrEngineUnavailable
	}

	request := map[string]interface{}{
		"op":        "predict",
		"mode":      string(snap.Mode),
		"max_masks": e.maxMasks,
	}

	if len(snap.Points) > 0 {
		coords := make([][2]int, len(snap.Points))
		labels := make([]int, len(snap.Points))
		for i, p := range snap.Points {
			coords[i] = [2]int{p.X, p.Y}
			labels[i] = p.Label
		}
		request["points"] = coords
		request["labels"] = labels
	}

	if snap.Box != nil {
		request["box"] = [4]int{snap.Box.X1, snap.Box.Y1, snap.Box.X2, snap.Box.Y2}
	}

	var resp workerResponse
	if err := e.roundTrip(request, &resp); err != nil {
		atomic.AddUint64(&e.errorCount, 1)
		return nil, fmt.Errorf("predict failed: %w", err)
	}
	if !resp.OK {
		atomic.AddUint64(&e.errorCount, 1)
		return nil, fmt.Errorf("predict rejected by worker: %s", resp.Error)
	}

	if len(resp.Masks) != len(resp.Scores) {
		atomic.AddUint64(&e.errorCount, 1)
		return nil, fmt.Errorf("worker returned %d masks but %d scores",
			len(resp.Masks), len(resp.Scores))
	}

	results := make([]types.MaskResult, 0, len(resp.Masks))
	for i, pix := range resp.Masks {
		if len(pix) != resp.Width*resp.Height {
			atomic.AddUint64(&e.errorCount, 1)
			return nil, fmt.Errorf("mask %d has %d pixels, want %dx%d",
				i, len(pix), resp.Width, resp.Height)
		}
		results = append(results, types.MaskResult{
			Mask: types.Mask{
				Width:  resp.Width,
				Height: resp.Height,
				Pix:    pix,
			},
			Score: resp.Scores[i],
		})
	}

	atomic.AddUint64(&e.predictCount, 1)
	return results, nil
}

// roundTrip writes one request and reads one reply under the request lock.
func (e *PythonEngine) roundTrip(request interface{}, resp *workerResponse) error {
	e.reqMu.Lock()
	defer e.reqMu.Unlock()

	if err := writeMessage(e.stdin, request); err != nil {
		return err
	}
	if err := readMessage(e.stdout, resp); err != nil {
		if err == io.EOF {
			return ErrEngineUnavailable
		}
		return err
	}
	return nil
}

// logStderr forwards Python worker stderr to slog, mapping log levels.
func (e *PythonEngine) logStderr() {
	defer e.wg.Done()

	scanner := bufio.NewScanner(e.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			slog.Error("segmentation worker error", "log", line)
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			slog.Warn("segmentation worker warning", "log", line)
		default:
			slog.Debug("segmentation worker log", "log", line)
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Error("error reading worker stderr", "error", err)
	}
}

// waitProcess reaps the worker process so it never becomes a zombie.
func (e *PythonEngine) waitProcess() {
	defer e.wg.Done()

	if e.cmd == nil || e.cmd.Process == nil {
		return
	}

	err := e.cmd.Wait()
	e.isActive.Store(false)

	if err != nil {
		select {
		case <-e.ctx.Done():
			slog.Debug("python worker exited (shutdown)", "pid", e.cmd.Process.Pid)
		default:
			slog.Error("python worker exited unexpectedly",
				"pid", e.cmd.Process.Pid,
				"error", err,
			)
		}
		return
	}
	slog.Info("python worker exited cleanly", "pid", e.cmd.Process.Pid)
}

// Stop shuts the worker down, force-killing it if it does not exit in time.
func (e *PythonEngine) Stop() error {
	if !e.isActive.CompareAndSwap(true, false) {
		return nil
	}

	slog.Info("stopping python segmentation worker")

	if e.cancel != nil {
		e.cancel()
	}
	if e.stdin != nil {
		e.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		slog.Warn("worker stop timeout, force killing process")
		if e.cmd != nil && e.cmd.Process != nil {
			if err := e.cmd.Process.Kill(); err != nil {
				slog.Error("failed to kill python worker", "error", err)
			}
		}
	}

	slog.Info("python segmentation worker stopped",
		"set_image_calls", atomic.LoadUint64(&e.setImageCount),
		"predict_calls", atomic.LoadUint64(&e.predictCount),
		"errors", atomic.LoadUint64(&e.errorCount),
	)

	return nil
}
