package intake

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"codeforge/internal/types"
)

// Consumer turns CI build failures into bug-fix submissions. The client
// token is derived from the build id so redelivered events fold onto the
// task the first delivery created.
type Consumer struct {
	svc *Service
	log *zap.Logger
}

func NewConsumer(svc *Service, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{svc: svc, log: log.Named("buildfailed")}
}

// HandleBuildFailure submits a repair task for the failed build. A nil
// return acknowledges the event. Invalid events are swallowed after a
// warning so a poison message cannot loop forever; overload and store
// failures propagate so the bus redelivers.
func (c *Consumer) HandleBuildFailure(ctx context.Context, ev types.BuildFailedEvent) error {
	if ev.BuildID == "" {
		c.log.Warn("dropping build failure without a build id",
			zap.String("repository", ev.Repository))
		return nil
	}

	task, err := c.svc.Submit(ctx, submissionFor(ev))
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			c.log.Warn("dropping unsubmittable build failure",
				zap.String("build_id", ev.BuildID),
				zap.Error(err))
			return nil
		}
		return fmt.Errorf("submit repair for build %s: %w", ev.BuildID, err)
	}

	c.log.Info("build failure queued for repair",
		zap.String("build_id", ev.BuildID),
		zap.String("task_id", task.ID))
	return nil
}

func submissionFor(ev types.BuildFailedEvent) Submission {
	return Submission{
		UserID:      "ci",
		Title:       fmt.Sprintf("Fix build %s", ev.BuildID),
		Description: buildDescription(ev),
		TypeHint:    types.TaskTypeBugFix,
		Priority:    2,
		ClientToken: "build:" + ev.BuildID,
		source:      "bus",
	}
}

// maxBuildErrorBytes keeps synthesized descriptions under the intake cap
// even when CI ships an entire build log.
const maxBuildErrorBytes = 16 * 1024

func buildDescription(ev types.BuildFailedEvent) string {
	msg := ev.ErrorMessage
	if len(msg) > maxBuildErrorBytes {
		msg = msg[:maxBuildErrorBytes] + "\n[truncated]"
	}
	return fmt.Sprintf("Build %s failed on %s branch %s at commit %s.\n\nError output:\n%s",
		ev.BuildID, ev.Repository, ev.Branch, ev.CommitSHA, msg)
}
