package utils

import (
	"context"
	"log/slog"
	"time"

	"github.com/tmarkov/reelvault/internal/repository"
)

// AssemblyFunc launches an assembly worker for a session that is already
// locked in the assembling state.
type AssemblyFunc func(sessionID string)

// recoveryInterval is how often stalled assemblies are re-checked after the
// startup pass.
const recoveryInterval = 10 * time.Minute

// StartAssemblyRecoveryWorker resumes assemblies interrupted by a crash or
// restart. It runs once immediately, then periodically re-checks for
// sessions stuck in the assembling state past the stall window.
func StartAssemblyRecoveryWorker(ctx context.Context, sessions repository.SessionRepository, stall time.Duration, assemble AssemblyFunc) {
	slog.Info("running assembly recovery on startup")
	recoverStalledAssemblies(ctx, sessions, stall, assemble)

	ticker := time.NewTicker(recoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("assembly recovery worker stopped")
			return
		case <-ticker.C:
			slog.Debug("running periodic assembly recovery check")
			recoverStalledAssemblies(ctx, sessions, stall, assemble)
		}
	}
}

func recoverStalledAssemblies(ctx context.Context, sessions repository.SessionRepository, stall time.Duration, assemble AssemblyFunc) {
	stalled, err := sessions.StalledAssemblies(ctx, stall)
	if err != nil {
		slog.Error("failed to list stalled assemblies", "error", err)
		return
	}

	if len(stalled) == 0 {
		slog.Debug("no stalled assemblies found")
		return
	}

	slog.Info("found stalled assemblies", "count", len(stalled))

	for _, session := range stalled {
		locked, err := sessions.TryLockForAssembly(ctx, session.SessionID)
		if err != nil {
			slog.Error("failed to lock session for recovery",
				"session_id", session.SessionID, "error", err)
			continue
		}
		if !locked {
			// Another replica or an operator retry got there first.
			slog.Debug("session no longer lockable for recovery",
				"session_id", session.SessionID)
			continue
		}

		slog.Info("resuming interrupted assembly",
			"session_id", session.SessionID,
			"target_name", session.TargetName,
			"total_chunks", session.TotalChunks,
		)

		go assemble(session.SessionID)
	}
}
