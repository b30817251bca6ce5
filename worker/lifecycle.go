package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/everydev1618/relay"
)

// finalize writes the terminal run state, publishes the terminal
// control signal so viewers detach cleanly, and reclaims the run's
// buffer keys. Persistence failures are logged, never fatal: the
// control publish fires regardless.
func (w *Worker) finalize(ctx context.Context, in RunInput, runErr error, wasStopped, terminated bool) {
	status := relay.RunStatusCompleted
	errMsg := ""
	control := relay.ControlEndStream

	switch {
	case wasStopped:
		status = relay.RunStatusStopped
		control = relay.ControlStop
		w.appendStatus(ctx, in, map[string]any{
			"status_type":   relay.StatusFinish,
			"finish_reason": "stopped",
			"message":       "Run stopped by request",
		})
	case runErr != nil:
		status = relay.RunStatusFailed
		errMsg = runErr.Error()
		control = relay.ControlError
	case terminated:
		status = relay.RunStatusAgentTerminated
	}

	responses := w.snapshotResponses(ctx, in.RunID)

	if err := w.store.UpdateRunStatus(ctx, in.RunID, status, errMsg, responses); err != nil {
		slog.Error("worker: failed to write final run status", "run_id", in.RunID, "status", status, "error", err)
	}

	if err := w.broker.Publish(ctx, relay.ControlChannel(in.RunID), control); err != nil {
		slog.Warn("worker: failed to publish terminal control", "run_id", in.RunID, "error", err)
	}

	if err := w.broker.Delete(ctx, relay.ResponseListKey(in.RunID)); err != nil {
		slog.Warn("worker: failed to delete response list", "run_id", in.RunID, "error", err)
	}
	if err := w.registry.Unregister(ctx, in.RunID); err != nil {
		slog.Warn("worker: failed to unregister run", "run_id", in.RunID, "error", err)
	}

	slog.Info("worker: run finished", "run_id", in.RunID, "status", status, "error", errMsg)
}

// appendStatus persists a status item and appends it to the buffer.
func (w *Worker) appendStatus(ctx context.Context, in RunInput, content map[string]any) {
	item, err := w.store.AddMessage(ctx, in.ThreadID, relay.ItemTypeStatus, content, false, nil)
	if err != nil {
		slog.Warn("worker: failed to persist status", "run_id", in.RunID, "error", err)
		now := time.Now().UTC()
		item = &relay.Item{
			ThreadID:  in.ThreadID,
			Type:      relay.ItemTypeStatus,
			Content:   content,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	w.appendItem(ctx, in.RunID, *item)
}

// snapshotResponses reads the run's full response list for durable
// storage alongside the final status.
func (w *Worker) snapshotResponses(ctx context.Context, runID string) []relay.Item {
	raw, err := w.broker.Range(ctx, relay.ResponseListKey(runID), 0, -1)
	if err != nil {
		slog.Warn("worker: failed to snapshot responses", "run_id", runID, "error", err)
		return nil
	}
	items := make([]relay.Item, 0, len(raw))
	for _, r := range raw {
		var item relay.Item
		if err := json.Unmarshal([]byte(r), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items
}

// StopRun broadcasts the distributed stop signal for a run. It first
// writes the stopped status (failed when errorMessage is set) to durable
// storage, then publishes STOP on the global control channel and on
// every instance channel found through the shared active_run records.
func (w *Worker) StopRun(ctx context.Context, runID string, errorMessage string) error {
	status := relay.RunStatusStopped
	if errorMessage != "" {
		status = relay.RunStatusFailed
	}

	responses := w.snapshotResponses(ctx, runID)
	if err := w.store.UpdateRunStatus(ctx, runID, status, errorMessage, responses); err != nil {
		slog.Error("worker: stop: failed to update run status", "run_id", runID, "error", err)
	}

	if err := w.broker.Publish(ctx, relay.ControlChannel(runID), relay.ControlStop); err != nil {
		slog.Error("worker: stop: failed to publish global STOP", "run_id", runID, "error", err)
	}

	keys, err := w.broker.Keys(ctx, relay.ActiveRunPattern(runID))
	if err != nil {
		return err
	}
	for _, key := range keys {
		instanceID, _ := relay.ParseActiveRunKey(key)
		if instanceID == "" {
			continue
		}
		channel := relay.InstanceControlChannel(runID, instanceID)
		if err := w.broker.Publish(ctx, channel, relay.ControlStop); err != nil {
			slog.Warn("worker: stop: failed to publish instance STOP", "run_id", runID, "instance", instanceID, "error", err)
		}
	}

	// In-process runs cancel immediately without waiting on pub/sub.
	w.registry.Cancel(runID)

	slog.Info("worker: stop requested", "run_id", runID)
	return nil
}

// Shutdown sweeps this instance's active runs during graceful
// shutdown, stopping each with an explanatory error.
func (w *Worker) Shutdown(ctx context.Context) {
	runIDs, err := w.registry.OwnedRunIDs(ctx)
	if err != nil {
		slog.Error("worker: shutdown: failed to enumerate active runs", "error", err)
		return
	}
	for _, runID := range runIDs {
		slog.Info("worker: shutdown: stopping run", "run_id", runID)
		if err := w.StopRun(ctx, runID, "Instance shutting down"); err != nil {
			slog.Warn("worker: shutdown: stop failed", "run_id", runID, "error", err)
		}
	}
}
