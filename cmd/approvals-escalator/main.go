// Package main provides the overdue-approval sweep daemon. It periodically
// scans active instances, sends reminders for overdue approvals, and
// escalates the ones that passed their template's reminder threshold.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	cli "github.com/urfave/cli/v3"

	"github.com/keramy/formulapm-approvals/pkg/cmd"
	"github.com/keramy/formulapm-approvals/pkg/escalation"
	"github.com/keramy/formulapm-approvals/pkg/log"
)

const serviceName = "approvals-escalator"

func main() {
	logger := log.WithModule("escalator")

	command := &cli.Command{
		Name:                  "approvals-escalator",
		Usage:                 "Run the overdue approval reminder and escalation sweep",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "directory-seed",
				Usage:   "Path to a JSON file seeding role and client assignments",
				Sources: cli.EnvVars("DIRECTORY_SEED"),
			},
			&cli.StringFlag{
				Name:    "schedule",
				Usage:   "Cron schedule for the sweep",
				Value:   "@hourly",
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing approvals escalator")

			dir, err := cmd.NewDirectory(command.String("directory-seed"))
			if err != nil {
				return err
			}

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))

			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), serviceName, logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			scheduler := escalation.NewScheduler(persistence, dir, eventBus, logger)

			runner := cron.New()

			_, err = runner.AddFunc(command.String("schedule"), func() {
				now := time.Now().UTC()

				logger.InfoContext(ctx, "Running overdue sweep", "at", now)

				err := scheduler.EscalateOverdue(ctx, now)
				if err != nil {
					logger.ErrorContext(ctx, "Overdue sweep failed", "error", err)
				}
			})
			if err != nil {
				return err
			}

			runner.Start()
			defer runner.Stop()

			logger.InfoContext(ctx, "Escalator started", "schedule", command.String("schedule"))

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop

			logger.InfoContext(ctx, "Shutting down escalator")

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
