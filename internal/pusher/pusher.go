// Package pusher delivers terminal task outcomes back to the
// originating lab's LIMS. A completed task confirms each member run, a
// failed task reports it abnormal, and a member superseded by a retest
// while the task ran is cancelled. Acceptances are final: members the
// remote took are recorded per push, and after a partial upload only the
// outstanding members are re-pushed on the next cycle.
package pusher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/seqpipe-io/seqpipe/internal/config"
	"github.com/seqpipe-io/seqpipe/internal/lims"
	"github.com/seqpipe-io/seqpipe/internal/notify"
	"github.com/seqpipe-io/seqpipe/internal/storage"
)

// ErrUnknownLab indicates a member's batch names a lab with no
// configured client.
var ErrUnknownLab = errors.New("no client configured for laboratory")

type (
	// Client is the upload seam; *lims.Client satisfies it.
	Client interface {
		PushResults(ctx context.Context, records []lims.ResultRecord) ([]string, error)
	}

	// Pusher runs one delivery cycle over undelivered terminal tasks.
	Pusher struct {
		store     storage.Store
		clients   map[string]Client
		publisher notify.Publisher
		logger    *slog.Logger

		now func() time.Time
	}
)

// NewPusher creates the delivery stage. clients maps lab name to upload
// client; publisher may be nil.
func NewPusher(store storage.Store, clients map[string]Client, publisher notify.Publisher) *Pusher {
	return &Pusher{
		store:     store,
		clients:   clients,
		publisher: publisher,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		now: time.Now,
	}
}

// Run executes one delivery cycle. Per-task failures are logged and do
// not stop the cycle.
func (p *Pusher) Run(ctx context.Context) error {
	tasks, err := p.store.ListUndeliveredTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list undelivered tasks: %w", err)
	}

	for _, task := range tasks {
		if err := p.deliverTask(ctx, task); err != nil {
			p.logger.Error("Failed to deliver task outcome",
				slog.String("task_id", task.TaskID),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// deliverTask pushes one task's outstanding member outcomes to its lab
// and marks the task delivered once every member was accepted.
func (p *Pusher) deliverTask(ctx context.Context, task *storage.AnalysisTask) error {
	// 1. Build one outcome record per member the remote has not yet
	// accepted, all against the same lab.
	outstanding := outstandingMembers(task)
	if len(outstanding) == 0 {
		// Every member was accepted on an earlier cycle; only the
		// delivery mark is missing.
		if err := p.store.MarkTaskDelivered(ctx, task.TaskID, p.now()); err != nil {
			return fmt.Errorf("failed to mark task delivered: %w", err)
		}

		return nil
	}

	records, lab, err := p.buildRecords(ctx, task, outstanding)
	if err != nil {
		return err
	}

	client, ok := p.clients[lab]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLab, lab)
	}

	// 2. Upload. The accepted list comes back even on a partial failure,
	// and those acceptances are final.
	accepted, pushErr := client.PushResults(ctx, records)

	if len(accepted) > 0 {
		if err := p.store.MarkMembersDelivered(ctx, task.TaskID, accepted); err != nil {
			return fmt.Errorf("failed to record delivered members: %w", err)
		}
	}

	if pushErr != nil {
		p.logger.Warn("Result upload incomplete, task stays undelivered",
			slog.String("task_id", task.TaskID),
			slog.String("lab", lab),
			slog.Int("accepted", len(accepted)),
			slog.Int("outstanding", len(records)-len(accepted)),
			slog.String("error", pushErr.Error()),
		)

		p.publish(ctx, notify.KindPushFailed, task.TaskID, pushErr.Error())

		return nil
	}

	// 3. Everything accepted: record the delivery.
	if err := p.store.MarkTaskDelivered(ctx, task.TaskID, p.now()); err != nil {
		return fmt.Errorf("failed to mark task delivered: %w", err)
	}

	p.logger.Info("Task outcome delivered",
		slog.String("task_id", task.TaskID),
		slog.String("lab", lab),
		slog.Int("members", len(records)),
	)

	return nil
}

// outstandingMembers returns the task members the remote has not
// accepted yet, in member order.
func outstandingMembers(task *storage.AnalysisTask) []string {
	delivered := make(map[string]struct{}, len(task.DeliveredMembers))
	for _, id := range task.DeliveredMembers {
		delivered[id] = struct{}{}
	}

	var outstanding []string

	for _, id := range task.MemberIDs {
		if _, ok := delivered[id]; !ok {
			outstanding = append(outstanding, id)
		}
	}

	return outstanding
}

// buildRecords maps the given member runs of a task to outcome records
// and resolves the lab the records go to.
func (p *Pusher) buildRecords(
	ctx context.Context,
	task *storage.AnalysisTask,
	memberIDs []string,
) ([]lims.ResultRecord, string, error) {
	var (
		records []lims.ResultRecord
		lab     string
	)

	for _, sequenceID := range memberIDs {
		run, err := p.store.GetRun(ctx, sequenceID)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load member %s: %w", sequenceID, err)
		}

		batch, err := p.store.GetBatch(ctx, run.BatchID)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load batch %s: %w", run.BatchID, err)
		}

		if lab == "" {
			lab = batch.Laboratory
		} else if lab != batch.Laboratory {
			return nil, "", fmt.Errorf("task %s spans laboratories %s and %s",
				task.TaskID, lab, batch.Laboratory)
		}

		record, err := p.buildRecord(ctx, task, run)
		if err != nil {
			return nil, "", err
		}

		records = append(records, record)
	}

	return records, lab, nil
}

// buildRecord maps one member run to its outcome record.
func (p *Pusher) buildRecord(
	ctx context.Context,
	task *storage.AnalysisTask,
	run *storage.SequenceRun,
) (lims.ResultRecord, error) {
	record := lims.ResultRecord{DetectNo: run.SequenceID}

	// A member superseded by a newer version while the task ran is
	// reported cancelled: the retest's task will carry the real outcome.
	superseded, err := p.isSuperseded(ctx, run)
	if err != nil {
		return record, err
	}

	switch {
	case superseded:
		record.Status = lims.StatusSeqCancel
		record.ReportReason = "superseded by retest"

	case task.Status == storage.TaskStatusCompleted:
		record.Status = lims.StatusSeqConfirm
		record.ReportPath = run.ReportPath

	default:
		record.Status = lims.StatusSeqAbnormal
		record.ReportReason = task.Reason
	}

	sample, err := p.store.GetSample(ctx, run.SampleID)
	if err != nil {
		return record, fmt.Errorf("failed to load sample %s: %w", run.SampleID, err)
	}

	record.Ext = extFromSample(sample)

	return record, nil
}

// isSuperseded reports whether a newer version exists for the run's key.
func (p *Pusher) isSuperseded(ctx context.Context, run *storage.SequenceRun) (bool, error) {
	versions, err := p.store.FindRunVersions(ctx, run.Key())
	if err != nil {
		return false, fmt.Errorf("failed to list versions for %s: %w", run.SequenceID, err)
	}

	for _, v := range versions {
		if v.Version > run.Version {
			return true, nil
		}
	}

	return false, nil
}

func (p *Pusher) publish(ctx context.Context, kind, taskID, detail string) {
	if p.publisher == nil {
		return
	}

	event := notify.Event{Kind: kind, Subject: taskID, Detail: detail, At: p.now()}
	if err := p.publisher.Publish(ctx, event); err != nil {
		p.logger.Error("Failed to publish delivery event",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}
}

// extFromSample carries the allow-listed sample measurements along with
// the outcome record.
func extFromSample(sample *storage.Sample) map[string]string {
	ext := make(map[string]string, 2)

	if sample.PlasmidLength != "" {
		ext[lims.ExtPlasmidLength] = sample.PlasmidLength
	}

	if sample.SampleLength != "" {
		ext[lims.ExtSampleLength] = sample.SampleLength
	}

	if len(ext) == 0 {
		return nil
	}

	return ext
}
