package main

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cordum/barkit/core/bar/progress"
	"github.com/cordum/barkit/core/infra/bus"
	"github.com/cordum/barkit/core/infra/config"
	"github.com/spf13/cobra"
)

func newEventsCmd() *cobra.Command {
	cfg := config.Load()
	var natsURL, subject, boxName string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail install audit events from the bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			busCfg := *cfg
			busCfg.NatsURL = natsURL
			nb, err := bus.NewNatsBus(&busCfg)
			if err != nil {
				return err
			}
			defer nb.Close()

			out := cmd.OutOrStdout()
			var mu sync.Mutex
			err = nb.Subscribe(subject, "", func(data []byte) error {
				var ev progress.Event
				if err := json.Unmarshal(data, &ev); err != nil {
					return fmt.Errorf("decode event: %w", err)
				}
				if boxName != "" && ev.BoxName != boxName {
					return nil
				}
				mu.Lock()
				defer mu.Unlock()
				_, err := fmt.Fprintln(out, formatEvent(ev))
				return err
			})
			if err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats", cfg.NatsURL, "nats url")
	cmd.Flags().StringVar(&subject, "subject", cfg.EventsSubject, "events subject")
	cmd.Flags().StringVar(&boxName, "box", "", "only show events of this box")
	return cmd
}

func formatEvent(ev progress.Event) string {
	line := fmt.Sprintf("%s %-5s %s box=%s object=%s", ev.Time.Format("15:04:05.000"), ev.Level, ev.Type, ev.BoxName, ev.Object)
	if ev.Result != "" {
		line += " result=" + ev.Result
	}
	return line
}
