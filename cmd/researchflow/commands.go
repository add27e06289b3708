package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hannabros/researchflow"
	"github.com/hannabros/researchflow/internal/providers"
	"github.com/hannabros/researchflow/internal/streaming"
	"github.com/hannabros/researchflow/pkg/api"
)

func (c *cli) submitCmd() *cobra.Command {
	var length string
	cmd := &cobra.Command{
		Use:   "submit <query>",
		Short: "Start a research instance for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			inst, err := b.Engine.Submit(cmd.Context(), researchflow.Submission{
				Query:        strings.Join(args, " "),
				ReportLength: researchflow.ReportLength(length),
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, inst)
		},
	}
	cmd.Flags().StringVar(&length, "report-length", "", "Report length: short, medium or long.")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	var workflow, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			insts, err := b.Engine.ListInstances(cmd.Context(), researchflow.InstanceListOptions{
				Workflow: workflow,
				Status:   researchflow.Status(strings.ToUpper(status)),
			})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, inst := range insts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\n",
					inst.ID, inst.Workflow, inst.Status, inst.Progress.Fraction, inst.Progress.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workflow, "workflow", "", "Only list instances of this workflow.")
	cmd.Flags().StringVar(&status, "status", "", "Only list instances in this status.")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Print the progress projection of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			inst, err := b.Engine.GetInstance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, inst)
		},
	}
}

func (c *cli) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Print the event history of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			events, err := b.Engine.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, ev := range events {
				if err := printJSON(cmd, ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (c *cli) approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id> [action]",
		Short: "Answer the approval gate of a waiting instance",
		Long: "Answer the approval gate of a waiting instance. The action defaults to " +
			"\"continue\"; any other action cancels the instance.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := api.ActionContinue
			if len(args) == 2 {
				action = args[1]
			}

			b, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			inst, err := b.Gateway.Approve(cmd.Context(), args[0], action)
			if err != nil {
				return err
			}
			return printJSON(cmd, inst)
		},
	}
}

func (c *cli) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a waiting instance at the approval gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			inst, err := b.Gateway.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, inst)
		},
	}
}

func (c *cli) replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <id>",
		Short: "Replay the stored history of an instance against the current code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.Engine.Verify(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("replay failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replay succeeded for %s\n", args[0])
			return nil
		},
	}
}

func (c *cli) recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Re-dispatch outstanding work of every open instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			n, err := b.Engine.Recover(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d instances\n", n)
			return err
		},
	}
}

func (c *cli) watchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Follow the progress of an instance until it ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			if b.Stream != nil {
				return watchStream(cmd, b.Stream, args[0], interval)
			}
			return watchPoll(cmd, b.Engine, args[0], interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "Poll interval.")
	return cmd
}

func printUpdate(cmd *cobra.Command, status api.Status, stage string, progress float64, message string) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%.2f\t%s\n", status, stage, progress, message)
}

// watchPoll prints the projection each time its message, fraction or status
// changes.
func watchPoll(cmd *cobra.Command, eng researchflow.Engine, id string, interval time.Duration) error {
	var last *researchflow.Instance
	_, err := researchflow.WaitFor(cmd.Context(), eng, id, interval, func(inst *researchflow.Instance) bool {
		if last == nil || last.Status != inst.Status ||
			last.Progress.Message != inst.Progress.Message ||
			last.Progress.Fraction != inst.Progress.Fraction {
			printUpdate(cmd, inst.Status, inst.Stage, inst.Progress.Fraction, inst.Progress.Message)
		}
		last = inst
		return false
	})
	return err
}

// watchStream follows the Redis progress stream from its start, which also
// covers updates written by other processes.
func watchStream(cmd *cobra.Command, stream *streaming.RedisPublisher, id string, interval time.Duration) error {
	ctx := cmd.Context()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	after := "0"
	for {
		updates, next, err := stream.Read(ctx, after, 100)
		if err != nil {
			return err
		}
		after = next
		for _, u := range updates {
			if u.InstanceID != id {
				continue
			}
			printUpdate(cmd, u.Status, u.Stage, u.Progress, u.Message)
			if u.Final() {
				return nil
			}
		}
		if len(updates) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *cli) workerCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run workers against the configured store until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Providers.Search.URL == "" {
				return errors.New("providers.search.url is required")
			}
			if concurrency <= 0 {
				concurrency = c.cfg.Worker.Concurrency
			}

			b, err := c.open(cmd)
			if err != nil {
				return err
			}
			runner, err := b.Runner(
				providers.NewOpenAIChat(c.cfg.Providers.Chat),
				providers.NewHTTPSearch(c.cfg.Providers.Search),
			)
			if err != nil {
				_ = b.Close()
				return err
			}
			defer runner.Close()

			ctx := cmd.Context()
			n, err := b.Engine.Recover(ctx)
			if err != nil {
				c.logger.Warn("recover failed", zap.Error(err))
			}
			c.logger.Info("recovered instances", zap.Int("count", n))

			if b.Metrics != nil {
				go func() {
					if err := b.ServeMetrics(ctx); err != nil {
						c.logger.Error("metrics server stopped", zap.Error(err))
					}
				}()
			}

			if err := runner.StartWorkers(ctx, concurrency); err != nil {
				return err
			}
			<-ctx.Done()
			c.logger.Info("shutting down")
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Worker goroutines; defaults to worker.concurrency.")
	return cmd
}
