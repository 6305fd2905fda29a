package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"image-optimizer/internal/logging"
	"image-optimizer/internal/metrics"
	"image-optimizer/internal/settings"
)

// waitDelay bounds how long a killed tool's children may hold its pipes.
const waitDelay = 2 * time.Second

// Tool names.
const (
	JPEGTran   = "jpegtran"
	OptiPNG    = "optipng"
	PNGOut     = "pngout"
	PNGQuant   = "pngquant"
	Gifsicle   = "gifsicle"
	SVGCleaner = "svgcleaner"
	CWebP      = "cwebp"
)

// All lists every supported tool.
var All = []string{JPEGTran, OptiPNG, PNGOut, PNGQuant, Gifsicle, SVGCleaner, CWebP}

// ErrToolUnavailable is returned by Path for a missing or disabled tool.
var ErrToolUnavailable = errors.New("tool unavailable")

// Status is how a tool run ended.
type Status string

const (
	StatusOK          Status = "ok"
	StatusFailed      Status = "failed"
	StatusUnavailable Status = "unavailable"
)

// Options tune a single run.
type Options struct {
	// Lossy allows pngquant and lossy cwebp.
	Lossy bool
	// Quality is used by pngquant (upper bound) and cwebp.
	Quality int
	// KeepMetadata keeps EXIF and comments.
	KeepMetadata bool
}

// Result is the outcome of one run.
type Result struct {
	Status     Status        `json:"status"`
	OutputSize int64         `json:"outputSize"`
	ExitCode   int           `json:"exitCode"`
	Message    string        `json:"message,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Runner executes tools with a per-run timeout and tracks running processes
// so they can be killed on shutdown.
type Runner struct {
	dir      string
	timeout  time.Duration
	disabled map[string]bool

	processes map[string]*exec.Cmd
	processMu sync.Mutex

	pathMu sync.Mutex
	paths  map[string]string

	// lookPath is replaceable in tests
	lookPath func(string) (string, error)
}

// New creates a Runner from the tools configuration.
func New(cfg settings.Tools) *Runner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = settings.Default().Tools.Timeout
	}
	return &Runner{
		dir:     cfg.Dir,
		timeout: timeout,
		disabled: map[string]bool{
			PNGOut:   !cfg.PNGOut,
			PNGQuant: !cfg.PNGQuant,
		},
		processes: make(map[string]*exec.Cmd),
		paths:     make(map[string]string),
		lookPath:  exec.LookPath,
	}
}

// Path returns the binary for tool, or ErrToolUnavailable.
func (r *Runner) Path(tool string) (string, error) {
	if r.disabled[tool] {
		return "", fmt.Errorf("%s: %w (disabled)", tool, ErrToolUnavailable)
	}

	r.pathMu.Lock()
	defer r.pathMu.Unlock()

	if p, ok := r.paths[tool]; ok {
		return p, nil
	}

	if r.dir != "" {
		candidate := filepath.Join(r.dir, tool)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			r.paths[tool] = candidate
			return candidate, nil
		}
	}

	p, err := r.lookPath(tool)
	if err != nil {
		return "", fmt.Errorf("%s: %w", tool, ErrToolUnavailable)
	}
	r.paths[tool] = p
	return p, nil
}

// Available reports whether tool can run.
func (r *Runner) Available(tool string) bool {
	_, err := r.Path(tool)
	return err == nil
}

// Probe reports availability of every tool.
func (r *Runner) Probe() map[string]bool {
	out := make(map[string]bool, len(All))
	for _, tool := range All {
		out[tool] = r.Available(tool)
	}
	return out
}

// Run executes tool reading in and writing out. out is removed first so a
// stale file never passes for a result.
func (r *Runner) Run(ctx context.Context, tool, in, out string, opts Options) Result {
	start := time.Now()
	result := r.run(ctx, tool, in, out, opts)
	result.Duration = time.Since(start)

	metrics.ToolRunsTotal.WithLabelValues(tool, string(result.Status)).Inc()
	logging.WithFields(logging.Fields{
		"tool":   tool,
		"path":   in,
		"status": result.Status,
		"bytes":  result.OutputSize,
	}).Debug("tool run finished in %v", result.Duration)
	return result
}

func (r *Runner) run(ctx context.Context, tool, in, out string, opts Options) Result {
	bin, err := r.Path(tool)
	if err != nil {
		return Result{Status: StatusUnavailable, ExitCode: -1, Message: err.Error()}
	}

	args, err := Args(tool, in, out, opts)
	if err != nil {
		return Result{Status: StatusFailed, ExitCode: -1, Message: err.Error()}
	}

	if err := os.Remove(out); err != nil && !os.IsNotExist(err) {
		return Result{Status: StatusFailed, ExitCode: -1, Message: fmt.Sprintf("clear output: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.WaitDelay = waitDelay
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	r.processMu.Lock()
	r.processes[in] = cmd
	r.processMu.Unlock()

	defer func() {
		r.processMu.Lock()
		delete(r.processes, in)
		r.processMu.Unlock()
	}()

	runErr := cmd.Run()
	if runErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		msg := strings.TrimSpace(stderr.String())
		if ctx.Err() != nil {
			msg = fmt.Sprintf("%s timed out: %v", tool, ctx.Err())
		} else if msg == "" {
			msg = runErr.Error()
		}
		return Result{Status: StatusFailed, ExitCode: exitCode, Message: msg}
	}

	info, err := os.Stat(out)
	if err != nil {
		return Result{Status: StatusFailed, Message: fmt.Sprintf("%s produced no output", tool)}
	}
	if info.Size() == 0 {
		_ = os.Remove(out)
		return Result{Status: StatusFailed, Message: fmt.Sprintf("%s produced an empty file", tool)}
	}
	return Result{Status: StatusOK, OutputSize: info.Size()}
}

// Args builds the command line for tool.
func Args(tool, in, out string, opts Options) ([]string, error) {
	switch tool {
	case JPEGTran:
		copyMode := "none"
		if opts.KeepMetadata {
			copyMode = "all"
		}
		return []string{"-copy", copyMode, "-optimize", "-progressive", "-outfile", out, in}, nil
	case OptiPNG:
		args := []string{"-o2", "-quiet", "-clobber"}
		if !opts.KeepMetadata {
			args = append(args, "-strip", "all")
		}
		return append(args, "-out", out, in), nil
	case PNGOut:
		return []string{"-s2", "-q", "-y", in, out}, nil
	case PNGQuant:
		quality := opts.Quality
		if quality <= 0 || quality > 100 {
			quality = 80
		}
		low := max(quality-15, 0)
		return []string{"--skip-if-larger", "--speed", "3", "--force",
			"--quality", strconv.Itoa(low) + "-" + strconv.Itoa(quality),
			"--output", out, in}, nil
	case Gifsicle:
		return []string{"-O3", "--careful", "--no-warnings", "-o", out, in}, nil
	case SVGCleaner:
		return []string{"--quiet", in, out}, nil
	case CWebP:
		args := []string{"-quiet", "-metadata", "none"}
		if opts.KeepMetadata {
			args[2] = "all"
		}
		if opts.Lossy {
			quality := opts.Quality
			if quality <= 0 || quality > 100 {
				quality = 75
			}
			args = append(args, "-q", strconv.Itoa(quality))
		} else {
			args = append(args, "-lossless")
		}
		return append(args, in, "-o", out), nil
	default:
		return nil, fmt.Errorf("unknown tool %q", tool)
	}
}

// Cleanup kills all running tool processes.
func (r *Runner) Cleanup() {
	r.processMu.Lock()
	defer r.processMu.Unlock()

	for path, cmd := range r.processes {
		if cmd.Process != nil {
			logging.Info("Killing tool process for: %s", path)
			if err := cmd.Process.Kill(); err != nil {
				logging.Warn("failed to kill tool process for %s: %v", path, err)
			}
		}
	}
}
