package chat

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"jobchat/metrics"
	"jobchat/models"
)

// HistoryFetcher returns the full message history of a job.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, jobID, credential string) ([]models.ChatMessage, error)
}

// ErrNoCredential is returned when an operation needs a session credential and none was given.
var ErrNoCredential = errors.New("no session credential")

// HistorySync backfills a job's log from REST without blocking the caller.
type HistorySync struct {
	fetcher HistoryFetcher
	timeout time.Duration
	merge   func(jobID string, msgs []models.ChatMessage)
	report  func(*Error)
	log     log.FieldLogger
	metrics *metrics.Chat
}

// Sync fetches jobID's history and merges it. The returned channel yields
// the outcome once and may be ignored. A failed fetch leaves the log untouched.
func (h *HistorySync) Sync(jobID, credential string) <-chan error {
	result := make(chan error, 1)
	jobID = strings.TrimSpace(jobID)
	credential = strings.TrimSpace(credential)

	var err error
	switch {
	case jobID == "":
		err = errors.New("history sync needs a job id")
	case credential == "":
		err = ErrNoCredential
	case h.fetcher == nil:
		err = errors.New("no history fetcher configured")
	}
	if err != nil {
		h.log.WithError(err).WithField("job", jobID).Warn("history sync skipped")
		result <- err
		close(result)
		return result
	}

	go func() {
		defer close(result)
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()

		start := time.Now()
		msgs, err := h.fetcher.FetchHistory(ctx, jobID, credential)
		h.metrics.HistorySync.Observe(time.Since(start).Seconds())
		if err != nil {
			h.report(&Error{
				Kind:    ErrorHistory,
				JobID:   jobID,
				Message: "history sync failed: " + err.Error(),
				Err:     err,
			})
			result <- err
			return
		}
		h.merge(jobID, msgs)
		h.log.WithFields(log.Fields{"job": jobID, "fetched": len(msgs)}).Debug("history synced")
		result <- nil
	}()
	return result
}
