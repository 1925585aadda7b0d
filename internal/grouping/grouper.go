// Package grouping forms analysis tasks from validated, unconsumed
// sequence runs. Runs group by (project, analysis type); each group gets
// at most one live task at a time, a work directory with a deterministic
// manifest, and its members flipped to processed so the next cycle does
// not see them again.
package grouping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/seqpipe-io/seqpipe/internal/config"
	"github.com/seqpipe-io/seqpipe/internal/storage"
)

// groupKey is the task formation key.
type groupKey struct {
	projectID    string
	analysisType string
}

// Grouper turns eligible runs into pending analysis tasks.
type Grouper struct {
	store  storage.Store
	cfg    *config.PipelineConfig
	logger *slog.Logger

	newID func() string
}

// NewGrouper creates the grouping stage.
func NewGrouper(store storage.Store, cfg *config.PipelineConfig) *Grouper {
	return &Grouper{
		store: store,
		cfg:   cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		newID: uuid.NewString,
	}
}

// Run executes one grouping cycle over a snapshot of eligible runs. Runs
// that become eligible after the snapshot wait for the next cycle.
// Per-group failures are logged and do not stop the cycle.
func (g *Grouper) Run(ctx context.Context) error {
	// 1. Snapshot the eligible members.
	eligible, err := g.store.ListEligibleRuns(ctx)
	if err != nil {
		return fmt.Errorf("failed to list eligible runs: %w", err)
	}

	if len(eligible) == 0 {
		return nil
	}

	// 2. Group by (project, analysis type), resolving each run's project
	// through its sample.
	groups, err := g.groupRuns(ctx, eligible)
	if err != nil {
		return err
	}

	// 3. Form tasks in a stable key order.
	keys := make([]groupKey, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].projectID != keys[j].projectID {
			return keys[i].projectID < keys[j].projectID
		}

		return keys[i].analysisType < keys[j].analysisType
	})

	formed := 0

	for _, key := range keys {
		created, err := g.formTask(ctx, key, groups[key])
		if err != nil {
			g.logger.Error("Failed to form analysis task",
				slog.String("project_id", key.projectID),
				slog.String("analysis_type", key.analysisType),
				slog.String("error", err.Error()),
			)

			continue
		}

		if created {
			formed++
		}
	}

	if formed > 0 {
		g.logger.Info("Grouping cycle complete",
			slog.Int("eligible_runs", len(eligible)),
			slog.Int("tasks_formed", formed),
		)
	}

	return nil
}

// removeUnmaterialized deletes a just-created task whose work directory
// could not be written. An executor that claimed it in the gap keeps it;
// that attempt fails on the missing manifest and needs operator action.
func (g *Grouper) removeUnmaterialized(ctx context.Context, task *storage.AnalysisTask) {
	if err := g.store.DeletePendingTask(ctx, task.TaskID); err != nil {
		g.logger.Warn("Failed to remove unmaterialized task",
			slog.String("task_id", task.TaskID),
			slog.String("error", err.Error()),
		)
	}
}

// groupRuns partitions the snapshot by formation key. A run whose sample
// is unknown is skipped with an error log; it stays eligible for a later
// cycle once the sample lands.
func (g *Grouper) groupRuns(
	ctx context.Context,
	eligible []*storage.SequenceRun,
) (map[groupKey][]*storage.SequenceRun, error) {
	groups := make(map[groupKey][]*storage.SequenceRun)
	projects := make(map[string]string) // sample ID -> project ID

	for _, run := range eligible {
		projectID, ok := projects[run.SampleID]
		if !ok {
			sample, err := g.store.GetSample(ctx, run.SampleID)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					g.logger.Error("Eligible run references unknown sample",
						slog.String("sequence_id", run.SequenceID),
						slog.String("sample_id", run.SampleID),
					)

					continue
				}

				return nil, fmt.Errorf("failed to resolve sample %s: %w", run.SampleID, err)
			}

			projectID = sample.ProjectID
			projects[run.SampleID] = projectID
		}

		key := groupKey{projectID: projectID, analysisType: run.AnalysisType}
		groups[key] = append(groups[key], run)
	}

	return groups, nil
}

// formTask creates one task for a group: task row first (the live-task
// constraint arbitrates concurrent cycles), then the work directory, then
// the members flip to processed. Returns false when the key already has a
// live task and the members must wait.
func (g *Grouper) formTask(
	ctx context.Context,
	key groupKey,
	members []*storage.SequenceRun,
) (bool, error) {
	memberIDs := make([]string, len(members))
	for i, run := range members {
		memberIDs[i] = run.SequenceID
	}

	sort.Strings(memberIDs)

	workDir := filepath.Join(g.cfg.WorkDirRoot, key.analysisType, key.projectID)

	task := &storage.AnalysisTask{
		TaskID:       g.newID(),
		ProjectID:    key.projectID,
		AnalysisType: key.analysisType,
		MemberIDs:    memberIDs,
		Status:       storage.TaskStatusPending,
		WorkDir:      workDir,
	}

	// 1. Claim the key. A live task means the members wait for the next
	// cycle after it settles.
	if err := g.store.CreateTask(ctx, task); err != nil {
		if errors.Is(err, storage.ErrLiveTaskExists) {
			g.logger.Debug("Key has a live task, members deferred",
				slog.String("project_id", key.projectID),
				slog.String("analysis_type", key.analysisType),
				slog.Int("deferred", len(members)),
			)

			return false, nil
		}

		return false, fmt.Errorf("failed to create task: %w", err)
	}

	// 2. Materialize the work directory. A failure here rolls the task
	// back: a manifest-less pending task would only fail fatally in the
	// executor while its members stay eligible.
	manifest, err := buildManifest(members)
	if err != nil {
		g.removeUnmaterialized(ctx, task)

		return false, err
	}

	templateDir, ok := g.cfg.TemplateFor(key.analysisType)
	if !ok {
		g.logger.Warn("No workflow template for analysis type",
			slog.String("analysis_type", key.analysisType),
		)
	}

	if err := writeWorkDir(workDir, manifest, buildRunScript(templateDir)); err != nil {
		g.removeUnmaterialized(ctx, task)

		return false, err
	}

	// 3. Consume the members.
	if err := g.store.MarkRunsProcessed(ctx, memberIDs); err != nil {
		return false, fmt.Errorf("failed to mark members processed: %w", err)
	}

	g.logger.Info("Analysis task formed",
		slog.String("task_id", task.TaskID),
		slog.String("project_id", key.projectID),
		slog.String("analysis_type", key.analysisType),
		slog.Int("members", len(memberIDs)),
		slog.String("work_dir", workDir),
	)

	return true, nil
}
