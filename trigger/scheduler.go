package trigger

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// CronScheduler is a Scheduler backed by an in-process cron runner. It
// stands in for a hosted scheduling service in single-node deployments:
// each schedule POSTs its stored body to the destination URL when the
// cron expression fires.
type CronScheduler struct {
	c          *cron.Cron
	httpClient *http.Client

	mu        sync.Mutex
	entries   map[string]cron.EntryID
	schedules map[string]ScheduleInfo
}

// CronSchedulerOption configures a CronScheduler.
type CronSchedulerOption func(*CronScheduler)

// WithHTTPClient sets the client used for deliveries.
func WithHTTPClient(client *http.Client) CronSchedulerOption {
	return func(s *CronScheduler) {
		s.httpClient = client
	}
}

// NewCronScheduler creates a scheduler. Expressions are evaluated in
// UTC; the schedule provider has already resolved timezones.
func NewCronScheduler(opts ...CronSchedulerOption) *CronScheduler {
	s := &CronScheduler{
		c:          cron.New(cron.WithLocation(time.UTC)),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		entries:    make(map[string]cron.EntryID),
		schedules:  make(map[string]ScheduleInfo),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the cron runner and blocks until ctx is cancelled.
func (s *CronScheduler) Start(ctx context.Context) {
	s.c.Start()
	slog.Info("scheduler started")
	<-ctx.Done()
	s.c.Stop()
	slog.Info("scheduler stopped")
}

// Schedule registers a recurring delivery and returns its id.
func (s *CronScheduler) Schedule(ctx context.Context, destinationURL, cronExpr string, body []byte, headers map[string]string) (string, error) {
	scheduleID := uuid.NewString()
	payload := make([]byte, len(body))
	copy(payload, body)
	headerCopy := make(map[string]string, len(headers))
	for k, v := range headers {
		headerCopy[k] = v
	}

	entryID, err := s.c.AddFunc(cronExpr, func() {
		s.deliver(destinationURL, payload, headerCopy)
	})
	if err != nil {
		return "", fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	s.mu.Lock()
	s.entries[scheduleID] = entryID
	s.schedules[scheduleID] = ScheduleInfo{
		ID:          scheduleID,
		Destination: destinationURL,
		Cron:        cronExpr,
	}
	s.mu.Unlock()

	slog.Info("scheduler: schedule added", "schedule_id", scheduleID, "cron", cronExpr, "destination", destinationURL)
	return scheduleID, nil
}

// Delete removes a schedule by id.
func (s *CronScheduler) Delete(ctx context.Context, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[scheduleID]
	if !ok {
		return fmt.Errorf("schedule %q not found", scheduleID)
	}
	s.c.Remove(entryID)
	delete(s.entries, scheduleID)
	delete(s.schedules, scheduleID)

	slog.Info("scheduler: schedule removed", "schedule_id", scheduleID)
	return nil
}

// List enumerates registered schedules.
func (s *CronScheduler) List(ctx context.Context) ([]ScheduleInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ScheduleInfo, 0, len(s.schedules))
	for _, info := range s.schedules {
		out = append(out, info)
	}
	return out, nil
}

// deliver fires one scheduled POST.
func (s *CronScheduler) deliver(destinationURL string, body []byte, headers map[string]string) {
	req, err := http.NewRequest(http.MethodPost, destinationURL, bytes.NewReader(body))
	if err != nil {
		slog.Warn("scheduler: build delivery request failed", "destination", destinationURL, "error", err)
		return
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		slog.Warn("scheduler: delivery failed", "destination", destinationURL, "error", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		slog.Warn("scheduler: delivery rejected", "destination", destinationURL, "status", resp.StatusCode)
		return
	}
	slog.Debug("scheduler: delivered", "destination", destinationURL)
}
