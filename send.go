package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"jobchat/chat"
)

func NewSendCommand() *cobra.Command {
	f := NewClientFlags()

	cmd := &cobra.Command{
		Use:   "send JOB_ID TEXT...",
		Short: "Send one message to a job's chat",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			f.Apply(cfg)
			if cfg.Token == "" {
				return errors.New("a session credential is required (--token or JOBCHAT_TOKEN)")
			}
			jobID, text := args[0], strings.Join(args[1:], " ")

			s, err := newSession(cfg, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer s.Close()
			jc := s.chat

			joined := make(chan struct{}, 1)
			failed := make(chan *chat.Error, 1)
			jc.OnJoined(func(ev chat.JoinedEvent) {
				if ev.JobID == jobID {
					select {
					case joined <- struct{}{}:
					default:
					}
				}
			})
			jc.OnError(func(e *chat.Error) {
				if e.Kind == chat.ErrorProtocol && e.JobID == jobID {
					select {
					case failed <- e:
					default:
					}
				}
			})

			jc.Connect(cfg.Token)
			jc.EnsureJoined(jobID)

			wait := cfg.Socket.Timeout + cfg.Socket.RequestTimeout
			select {
			case <-joined:
			case e := <-failed:
				return errors.Wrap(e, "join failed")
			case <-time.After(wait):
				return errors.Errorf("timed out joining job %s after %s", jobID, wait)
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}

			if err := <-jc.SendMessage(jobID, text); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "sent to %s (thread %s)\n", jobID, jc.ThreadID(jobID))
			return nil
		},
	}
	f.BindFlags(cmd.Flags())
	return cmd
}
