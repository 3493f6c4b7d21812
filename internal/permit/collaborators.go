package permit

import (
	"context"
	"log/slog"

	"github.com/davidahmann/tollgate/pkg/types"
)

// ExecutionEnvironment is the system that actually runs authorized
// operations. The core tells it when a permit may start and when it must
// stop or roll back.
type ExecutionEnvironment interface {
	Authorize(ctx context.Context, permit types.PermitView) error
	Halt(ctx context.Context, permitID, reason string) error
	Rollback(ctx context.Context, permitID string) error
}

// Notifier queues fire-and-forget lifecycle events.
type Notifier interface {
	Enqueue(ctx context.Context, event, subject string, payload any) error
}

// LogEnvironment records commands in the log only. The gateway uses it when
// no execution environment is wired.
type LogEnvironment struct {
	Logger *slog.Logger
}

func (e LogEnvironment) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e LogEnvironment) Authorize(_ context.Context, p types.PermitView) error {
	e.logger().Info("start authorized", "permit_id", p.PermitID, "latest_start", p.Window.LatestStart)
	return nil
}

func (e LogEnvironment) Halt(_ context.Context, permitID, reason string) error {
	e.logger().Warn("halt", "permit_id", permitID, "reason", reason)
	return nil
}

func (e LogEnvironment) Rollback(_ context.Context, permitID string) error {
	e.logger().Warn("rollback", "permit_id", permitID)
	return nil
}

type nopNotifier struct{}

func (nopNotifier) Enqueue(context.Context, string, string, any) error { return nil }
