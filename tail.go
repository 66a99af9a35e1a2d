package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"jobchat/chat"
	"jobchat/models"
)

func NewTailCommand() *cobra.Command {
	f := NewClientFlags()
	var noHistory bool

	cmd := &cobra.Command{
		Use:   "tail JOB_ID",
		Short: "Stream a job's chat",
		Long: `Connects, joins the job's room, backfills history and prints every
message in createdAt order as it arrives. The chat counts as open, so no
unread messages accumulate for the job.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			f.Apply(cfg)
			if cfg.Token == "" {
				return errors.New("a session credential is required (--token or JOBCHAT_TOKEN)")
			}
			jobID := args[0]

			reg := prometheus.NewRegistry()
			serveMetrics(cfg.MetricsAddr, reg)
			s, err := newSession(cfg, reg)
			if err != nil {
				return err
			}
			defer s.Close()
			jc := s.chat

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			jc.OnError(func(e *chat.Error) {
				log.WithFields(log.Fields{"kind": e.Kind, "job": e.JobID}).Warn(e.Message)
			})
			jc.OnConnect(func() { log.Info("connected") })
			jc.OnDisconnect(func(err error) { log.WithError(err).Info("disconnected") })
			jc.OnJoined(func(ev chat.JoinedEvent) {
				log.WithFields(log.Fields{"job": ev.JobID, "thread": ev.ThreadID}).Info("joined job chat")
			})

			jc.SetActiveJob(jobID)
			jc.SetOpen(jobID, true)
			if err := jc.Restore(ctx, jobID); err != nil {
				log.WithError(err).Warn("could not restore cached messages")
			}
			jc.Connect(cfg.Token)
			jc.EnsureJoined(jobID)
			if !noHistory {
				jc.Sync(jobID, cfg.Token)
			}

			return printMessages(ctx, jc.Observe(jobID))
		},
	}
	f.BindFlags(cmd.Flags())
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "Skip the REST history backfill")
	return cmd
}

// printMessages writes each message once, oldest first, until ctx is done.
// Printed entries are tracked by composite key, which survives an id upgrade.
func printMessages(ctx context.Context, view chat.View[[]models.ChatMessage]) error {
	printed := make(map[string]bool)
	for msgs := range view.Watch(ctx) {
		for _, m := range models.SortByCreated(msgs) {
			key := m.CompositeKey()
			if printed[key] {
				continue
			}
			printed[key] = true
			fmt.Fprintln(os.Stdout, formatMessage(m))
		}
	}
	return nil
}

func formatMessage(m models.ChatMessage) string {
	who := m.SenderID
	if m.Sender != nil && m.Sender.Name != "" {
		who = m.Sender.Name
	}
	if m.SenderRole != "" {
		who = fmt.Sprintf("%s (%s)", who, m.SenderRole)
	}
	return fmt.Sprintf("[%s] %s: %s", m.CreatedAt, who, m.Text)
}
