// Package executor drives pending analysis tasks through the external
// workflow engine. It claims a task with a conditional status update,
// invokes the engine against the task's work directory, and settles the
// task from marker files, the exit code, or a status callback, whichever
// lands first.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/seqpipe-io/seqpipe/internal/config"
	"github.com/seqpipe-io/seqpipe/internal/notify"
	"github.com/seqpipe-io/seqpipe/internal/storage"
)

const (
	// successMarker and failureMarker are written by the engine inside the
	// work dir. They take precedence over the bare exit code.
	successMarker = "done.success"
	failureMarker = "done.failed"

	manifestName = "input.tsv"
	scriptName   = "run.sh"

	// resultsName is written by the engine on success, one line per member:
	// detect number, member status, report path, then optional reason.
	resultsName = "results.tsv"

	defaultRetryCeiling = 3
	defaultTermGrace    = 30 * time.Second
	defaultTimeout      = 4 * time.Hour
)

var (
	// ErrEngineNotFound indicates the workflow engine binary is not on
	// PATH. Fatal: the task fails without retry.
	ErrEngineNotFound = errors.New("workflow engine binary not found")

	// ErrManifestMissing indicates the task work dir has no manifest.
	// Fatal: the task fails without retry.
	ErrManifestMissing = errors.New("task manifest missing")
)

type (
	// Config holds the engine invocation settings.
	Config struct {
		// EngineBinary is the workflow engine executable name or path.
		EngineBinary string

		// RetryCeiling caps how often a recoverable failure is requeued.
		RetryCeiling int

		// TermGrace bounds the wait between SIGTERM and SIGKILL on
		// cancellation.
		TermGrace time.Duration

		// Timeout bounds one engine invocation. A timed-out attempt is
		// recoverable: the retry resumes in the same work dir.
		Timeout time.Duration
	}

	// Executor runs one execution cycle over pending tasks.
	Executor struct {
		store     storage.Store
		publisher notify.Publisher
		cfg       Config
		logger    *slog.Logger
	}

	// outcome is the settled result of one engine invocation.
	outcome struct {
		status      storage.TaskStatus
		reason      string
		recoverable bool
	}
)

// LoadConfig reads the executor settings from the environment.
func LoadConfig() Config {
	return Config{
		EngineBinary: config.GetEnvStr("ENGINE_BINARY", "seqflow"),
		RetryCeiling: config.GetEnvInt("ENGINE_RETRY_CEILING", defaultRetryCeiling),
		TermGrace:    config.GetEnvDuration("ENGINE_TERM_GRACE", defaultTermGrace),
		Timeout:      config.GetEnvDuration("ENGINE_TIMEOUT", defaultTimeout),
	}
}

// NewExecutor creates the execution stage. publisher may be nil when
// event publishing is not configured.
func NewExecutor(store storage.Store, publisher notify.Publisher, cfg Config) *Executor {
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = defaultRetryCeiling
	}

	if cfg.TermGrace <= 0 {
		cfg.TermGrace = defaultTermGrace
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Executor{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Run executes one cycle: claim and run every task that is pending at
// snapshot time. Per-task failures are logged and do not stop the cycle.
func (e *Executor) Run(ctx context.Context) error {
	pending, err := e.store.ListTasksByStatus(ctx, storage.TaskStatusPending)
	if err != nil {
		return fmt.Errorf("failed to list pending tasks: %w", err)
	}

	for _, task := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := e.runTask(ctx, task); err != nil {
			e.logger.Error("Task execution cycle error",
				slog.String("task_id", task.TaskID),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// runTask claims one pending task and drives it to a terminal status.
func (e *Executor) runTask(ctx context.Context, task *storage.AnalysisTask) error {
	// 1. Claim. The conditional update arbitrates concurrent executors:
	// losing the race means someone else took it.
	now := time.Now()

	err := e.store.TransitionTask(ctx, task.TaskID,
		storage.TaskStatusPending, storage.TaskStatusRunning,
		storage.TaskUpdate{StartedAt: &now})
	if errors.Is(err, storage.ErrStaleTransition) {
		e.logger.Debug("Task claimed elsewhere", slog.String("task_id", task.TaskID))

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to claim task: %w", err)
	}

	e.logger.Info("Task claimed",
		slog.String("task_id", task.TaskID),
		slog.String("work_dir", task.WorkDir),
		slog.Int("retry_count", task.RetryCount),
	)

	// 2. Preflight. A missing engine or manifest is fatal: no retry will
	// fix it without operator action.
	if err := e.preflight(task); err != nil {
		return e.settle(ctx, task, outcome{
			status:      storage.TaskStatusFailed,
			reason:      err.Error(),
			recoverable: false,
		})
	}

	// 3. Invoke the engine and settle from what it left behind.
	return e.settle(ctx, task, e.invoke(ctx, task))
}

// preflight verifies the engine binary and the task manifest exist.
func (e *Executor) preflight(task *storage.AnalysisTask) error {
	if _, err := exec.LookPath(e.cfg.EngineBinary); err != nil {
		return fmt.Errorf("%w: %s", ErrEngineNotFound, e.cfg.EngineBinary)
	}

	manifest := filepath.Join(task.WorkDir, manifestName)
	if _, err := os.Stat(manifest); err != nil {
		return fmt.Errorf("%w: %s", ErrManifestMissing, manifest)
	}

	return nil
}

// invoke runs the workflow engine for one task and classifies the result.
// Cancellation forwards SIGTERM and escalates to SIGKILL after the grace
// period; invoke does not return until the process is gone. The invocation
// runs under its own deadline so a hung engine cannot wedge the stage.
func (e *Executor) invoke(ctx context.Context, task *storage.AnalysisTask) outcome {
	args := []string{filepath.Join(task.WorkDir, manifestName), task.WorkDir}
	if hasPriorOutput(task.WorkDir) {
		args = append(args, "--resume")
	}

	// Markers left by a previous attempt must not decide this one.
	os.Remove(filepath.Join(task.WorkDir, successMarker))
	os.Remove(filepath.Join(task.WorkDir, failureMarker))

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.cfg.EngineBinary, args...)
	cmd.Dir = task.WorkDir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.cfg.TermGrace

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	// Marker files outrank the exit code: an engine that wrote its
	// verdict before dying still gets believed.
	if markerPresent(task.WorkDir, successMarker) {
		return outcome{status: storage.TaskStatusCompleted}
	}

	if markerPresent(task.WorkDir, failureMarker) {
		return outcome{
			status:      storage.TaskStatusFailed,
			reason:      fmt.Sprintf("engine reported failure: %s", stderrTail(&stderr)),
			recoverable: true,
		}
	}

	if runCtx.Err() != nil {
		// The invocation deadline expired with the daemon still up:
		// recoverable, a later attempt resumes in the same work dir.
		// Daemon shutdown stays terminal.
		if ctx.Err() == nil {
			return outcome{
				status:      storage.TaskStatusFailed,
				reason:      fmt.Sprintf("engine timed out after %s", e.cfg.Timeout),
				recoverable: true,
			}
		}

		return outcome{
			status:      storage.TaskStatusFailed,
			reason:      fmt.Sprintf("canceled: %v", ctx.Err()),
			recoverable: false,
		}
	}

	if runErr == nil {
		return outcome{status: storage.TaskStatusCompleted}
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return outcome{
			status:      storage.TaskStatusFailed,
			reason:      fmt.Sprintf("engine exited with code %d: %s", exitErr.ExitCode(), stderrTail(&stderr)),
			recoverable: true,
		}
	}

	return outcome{
		status:      storage.TaskStatusFailed,
		reason:      fmt.Sprintf("engine invocation failed: %v", runErr),
		recoverable: false,
	}
}

// settle commits the outcome. A lost race means a status callback settled
// the task first; that verdict stands. Recoverable failures below the
// retry ceiling requeue with the same work dir and manifest so completed
// sub-steps are not recomputed.
func (e *Executor) settle(ctx context.Context, task *storage.AnalysisTask, result outcome) error {
	now := time.Now()

	update := storage.TaskUpdate{FinishedAt: &now}
	if result.reason != "" {
		update.Reason = &result.reason
	}

	err := e.store.TransitionTask(ctx, task.TaskID,
		storage.TaskStatusRunning, result.status, update)
	if errors.Is(err, storage.ErrStaleTransition) {
		e.logger.Info("Task settled by callback before engine exit",
			slog.String("task_id", task.TaskID),
		)

		// The callback carries only the verdict; report paths still come
		// from the results file the engine left in the work dir.
		settled, getErr := e.store.GetTask(ctx, task.TaskID)
		if getErr == nil && settled.Status == storage.TaskStatusCompleted {
			e.recordReports(ctx, task)
		}

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to settle task: %w", err)
	}

	switch result.status {
	case storage.TaskStatusCompleted:
		e.recordReports(ctx, task)
		e.logger.Info("Task completed", slog.String("task_id", task.TaskID))
		e.publish(ctx, notify.KindTaskCompleted, task.TaskID, "")

	case storage.TaskStatusFailed:
		e.logger.Warn("Task failed",
			slog.String("task_id", task.TaskID),
			slog.String("reason", result.reason),
			slog.Bool("recoverable", result.recoverable),
		)

		if result.recoverable && task.RetryCount < e.cfg.RetryCeiling {
			return e.requeue(ctx, task)
		}

		e.publish(ctx, notify.KindTaskFailed, task.TaskID, result.reason)
	}

	return nil
}

// requeue moves a recoverable failed task back to pending, incrementing
// its retry count. The work directory is kept for resume.
func (e *Executor) requeue(ctx context.Context, task *storage.AnalysisTask) error {
	err := e.store.TransitionTask(ctx, task.TaskID,
		storage.TaskStatusFailed, storage.TaskStatusPending,
		storage.TaskUpdate{IncrementRetry: true})
	if err != nil {
		return fmt.Errorf("failed to requeue task: %w", err)
	}

	e.logger.Info("Task requeued for retry",
		slog.String("task_id", task.TaskID),
		slog.Int("retry_count", task.RetryCount+1),
		slog.Int("retry_ceiling", e.cfg.RetryCeiling),
	)

	return nil
}

// recordReports reads the engine results file and stores each member's
// report path for the push stage. An absent file is tolerated: the push
// then carries no report location.
func (e *Executor) recordReports(ctx context.Context, task *storage.AnalysisTask) {
	data, err := os.ReadFile(filepath.Join(task.WorkDir, resultsName))
	if err != nil {
		e.logger.Debug("No engine results file",
			slog.String("task_id", task.TaskID),
			slog.String("error", err.Error()),
		)

		return
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}

		sequenceID, reportPath := fields[0], fields[2]

		if err := e.store.SetRunReportPath(ctx, sequenceID, reportPath); err != nil {
			e.logger.Warn("Failed to record report path",
				slog.String("task_id", task.TaskID),
				slog.String("sequence_id", sequenceID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (e *Executor) publish(ctx context.Context, kind, taskID, detail string) {
	if e.publisher == nil {
		return
	}

	event := notify.Event{Kind: kind, Subject: taskID, Detail: detail, At: time.Now()}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Error("Failed to publish task event",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}
}

// hasPriorOutput reports whether the work dir holds anything beyond the
// grouping artifacts, meaning a previous attempt left partial output the
// engine can resume from.
func hasPriorOutput(workDir string) bool {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return false
	}

	for _, entry := range entries {
		switch entry.Name() {
		case manifestName, scriptName,
			manifestName + ".bak", scriptName + ".bak":
			continue
		default:
			return true
		}
	}

	return false
}

func markerPresent(workDir, name string) bool {
	info, err := os.Stat(filepath.Join(workDir, name))

	return err == nil && !info.IsDir()
}

// stderrTail returns the last chunk of engine stderr for failure reasons.
func stderrTail(buf *bytes.Buffer) string {
	const tail = 512

	s := bytes.TrimSpace(buf.Bytes())
	if len(s) == 0 {
		return "(no stderr)"
	}

	if len(s) > tail {
		s = s[len(s)-tail:]
	}

	return string(s)
}
