package compressor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"pdfqueue/config"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	outputTailBytes = 2048
	waitDelay       = 5 * time.Second
)

// ProcessError means the compressor ran but did not produce a result:
// it exited non-zero, was killed on timeout, or wrote no output file.
type ProcessError struct {
	ExitCode int
	Output   string
	TimedOut bool
	Err      error
}

func (e *ProcessError) Error() string {
	msg := e.Err.Error()
	if e.TimedOut {
		msg = "timed out"
	}
	if e.Output != "" {
		return fmt.Sprintf("%s: %s", msg, e.Output)
	}
	return msg
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// Throttle holds the resource floors checked before each run. Zero disables a check.
type Throttle struct {
	IdleCPU  float64
	FreeMem  int64
	FreeDisk int64
	DiskPath string
}

func (t Throttle) enabled() bool {
	return t.IdleCPU > 0 || t.FreeMem > 0 || t.FreeDisk > 0
}

type Runner struct {
	bin          string
	template     []string
	throttle     Throttle
	pollInterval time.Duration
	logger       *slog.Logger
}

func NewRunner(cfg *config.Config, logger *slog.Logger) (*Runner, error) {
	bin, err := exec.LookPath(cfg.CompressorBin)
	if err != nil {
		return nil, fmt.Errorf("compressor binary not found or not in PATH: %s", cfg.CompressorBin)
	}

	template, err := SplitCommand(cfg.CompressorArgs)
	if err != nil {
		return nil, err
	}
	if err := ValidateArgs(template); err != nil {
		return nil, fmt.Errorf("invalid COMPRESSOR_ARGS: %w", err)
	}

	return &Runner{
		bin:      bin,
		template: template,
		throttle: Throttle{
			IdleCPU:  cfg.ThrottleCPU,
			FreeMem:  cfg.ThrottleFreeMem,
			FreeDisk: cfg.ThrottleFreeDisk,
			DiskPath: cfg.MediaRoot,
		},
		pollInterval: time.Second,
		logger:       logger,
	}, nil
}

// Compress runs the external compressor once. The caller bounds ctx.
func (r *Runner) Compress(ctx context.Context, inputPath, outputPath string) error {
	if _, err := os.Stat(inputPath); err != nil {
		return fmt.Errorf("input file: %w", err)
	}

	if err := r.waitForResources(ctx); err != nil {
		return err
	}

	args := BuildArgs(r.template, inputPath, outputPath)
	cmd := exec.CommandContext(ctx, r.bin, args...)
	cmd.WaitDelay = waitDelay
	var outputBuf bytes.Buffer
	cmd.Stdout = &outputBuf
	cmd.Stderr = &outputBuf

	r.logger.Debug("executing compressor", "bin", r.bin, "args", strings.Join(args, " "))

	started := time.Now()
	err := cmd.Run()
	output := tail(outputBuf.String(), outputTailBytes)

	if err != nil {
		// Clean up the (likely empty or partial) output file.
		os.Remove(outputPath)

		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return &ProcessError{ExitCode: -1, Output: output, TimedOut: true, Err: ctx.Err()}
		case errors.Is(ctx.Err(), context.Canceled):
			return fmt.Errorf("compressor interrupted: %w", ctx.Err())
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ProcessError{ExitCode: exitErr.ExitCode(), Output: output, Err: err}
		}
		return fmt.Errorf("run %s: %w", r.bin, err)
	}

	if _, err := os.Stat(outputPath); err != nil {
		return &ProcessError{
			ExitCode: 0,
			Output:   output,
			Err:      errors.New("compressor did not create the output file"),
		}
	}

	r.logger.Debug("compressor finished", "output", outputPath, "elapsed", time.Since(started))
	return nil
}

// waitForResources blocks until the throttle floors are met or ctx ends.
func (r *Runner) waitForResources(ctx context.Context) error {
	if !r.throttle.enabled() {
		return nil
	}
	for {
		err := r.checkResources(ctx)
		if err == nil {
			return nil
		}
		r.logger.Info("waiting for system resources", "reason", err.Error())

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &ProcessError{
					ExitCode: -1,
					Output:   "insufficient system resources: " + err.Error(),
					TimedOut: true,
					Err:      ctx.Err(),
				}
			}
			return fmt.Errorf("insufficient system resources: %v: %w", err, ctx.Err())
		case <-time.After(r.pollInterval):
		}
	}
}

// checkResources verifies that the system has enough free resources to start a new job.
func (r *Runner) checkResources(ctx context.Context) error {
	if r.throttle.IdleCPU > 0 {
		p, err := cpu.PercentWithContext(ctx, time.Second, false)
		if err != nil {
			r.logger.Warn("could not get CPU usage", "error", err)
		} else if len(p) > 0 && p[0] > (100.0-r.throttle.IdleCPU) {
			return fmt.Errorf("not enough idle CPU: usage %.2f%%, idle threshold %.2f%%", p[0], r.throttle.IdleCPU)
		}
	}

	if r.throttle.FreeMem > 0 {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			r.logger.Warn("could not get memory usage", "error", err)
		} else if vm.Available < uint64(r.throttle.FreeMem) {
			return fmt.Errorf("not enough free memory: available %d, required %d", vm.Available, r.throttle.FreeMem)
		}
	}

	if r.throttle.FreeDisk > 0 && r.throttle.DiskPath != "" {
		d, err := disk.UsageWithContext(ctx, r.throttle.DiskPath)
		if err != nil {
			r.logger.Warn("could not get disk usage", "path", r.throttle.DiskPath, "error", err)
		} else if d.Free < uint64(r.throttle.FreeDisk) {
			return fmt.Errorf("not enough free disk space: available %d, required %d", d.Free, r.throttle.FreeDisk)
		}
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
