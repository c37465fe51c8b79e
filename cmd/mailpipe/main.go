package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v3"

	mailpipe "github.com/driftlock/mailpipe"
	"github.com/driftlock/mailpipe/engine"
	"github.com/driftlock/mailpipe/postgres"
	redisstore "github.com/driftlock/mailpipe/redis"
	"github.com/driftlock/mailpipe/remote"
)

func main() {
	cmd := &cli.Command{
		Name:  "mailpipe",
		Usage: "Durable email-processing workflow engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "PostgreSQL connection URL for the business records",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for checkpoints and the dispatch lock",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "checkpoint-dir",
				Usage:   "Directory for file checkpoints when no Redis URL is set",
				Sources: cli.EnvVars("CHECKPOINT_DIR"),
			},
			&cli.StringFlag{
				Name:    "ocr-url",
				Usage:   "Base URL of the text-recognition service",
				Sources: cli.EnvVars("OCR_URL"),
			},
			&cli.StringFlag{
				Name:    "merger-url",
				Usage:   "Base URL of the content-merge service",
				Sources: cli.EnvVars("MERGER_URL"),
			},
			&cli.StringFlag{
				Name:    "summarizer-url",
				Usage:   "Base URL of the summarization service",
				Sources: cli.EnvVars("SUMMARIZER_URL"),
			},
			&cli.StringFlag{
				Name:    "tickets-url",
				Usage:   "Base URL of the issue-tracker service",
				Sources: cli.EnvVars("TICKETS_URL"),
			},
			&cli.StringFlag{
				Name:    "webhook-url",
				Usage:   "Base URL for lifecycle event webhooks",
				Sources: cli.EnvVars("WEBHOOK_URL"),
			},
			&cli.StringFlag{
				Name:    "topology",
				Usage:   "Optional YAML file overriding the step graph shape",
				Sources: cli.EnvVars("TOPOLOGY_FILE"),
			},
		},
		Commands: []*cli.Command{
			newRunCommand(),
			newDispatchCommand(),
			newSweepCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute the workflow for one run id",
		ArgsUsage: "<run-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Re-execute all steps without touching the durable status",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			runID := cmd.Args().First()
			if runID == "" {
				return fmt.Errorf("run id argument is required")
			}

			env, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer env.close()

			result, err := env.pipeline.StartRun(ctx, runID, cmd.Bool("force"))
			if err != nil {
				return fmt.Errorf("run %s aborted: %w", runID, err)
			}
			env.logger.Info("run finished",
				"run_id", runID,
				"success", result.Success,
				"failed_steps", result.FailedSteps)
			return nil
		},
	}
}

func newDispatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "dispatch",
		Usage: "Start the periodic dispatcher and stuck-run reclaimer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dispatch-schedule",
				Usage:   "Cron expression for the dispatch pass",
				Value:   mailpipe.DefaultDispatchSchedule,
				Sources: cli.EnvVars("DISPATCH_SCHEDULE"),
			},
			&cli.IntFlag{
				Name:    "batch-size",
				Usage:   "Maximum records picked up per pass",
				Value:   10,
				Sources: cli.EnvVars("DISPATCH_BATCH_SIZE"),
			},
			&cli.BoolFlag{
				Name:  "once",
				Usage: "Run a single dispatch pass and exit",
			},
			reclaimTimeoutFlag(),
			reclaimScheduleFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			env, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer env.close()
			if env.locker == nil {
				return fmt.Errorf("dispatch requires a redis url for the dedup lock")
			}

			dispatcher, err := mailpipe.NewDispatcher(mailpipe.DispatcherOptions{
				Pipeline:  env.pipeline,
				Records:   env.records,
				Locks:     env.locker,
				Schedule:  cmd.String("dispatch-schedule"),
				BatchSize: int(cmd.Int("batch-size")),
				Logger:    env.logger,
			})
			if err != nil {
				return err
			}

			if cmd.Bool("once") {
				started, err := dispatcher.Dispatch(ctx)
				if err != nil {
					return err
				}
				env.logger.Info("dispatch pass finished", "started", started)
				return nil
			}

			reclaimer, err := newReclaimer(cmd, env)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := dispatcher.Start(ctx); err != nil {
				return err
			}
			defer dispatcher.Stop()
			if err := reclaimer.Start(ctx); err != nil {
				return err
			}
			defer reclaimer.Stop()

			<-ctx.Done()
			env.logger.Info("shutting down")
			return nil
		},
	}
}

func newSweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Run one stuck-run reclamation pass",
		Flags: []cli.Flag{reclaimTimeoutFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			env, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer env.close()

			reclaimer, err := newReclaimer(cmd, env)
			if err != nil {
				return err
			}
			ids, err := reclaimer.Sweep(ctx)
			if err != nil {
				return err
			}
			env.logger.Info("sweep finished", "reclaimed", len(ids))
			return nil
		},
	}
}

func reclaimTimeoutFlag() cli.Flag {
	return &cli.IntFlag{
		Name:    "timeout-minutes",
		Usage:   "Age in minutes after which a PROCESSING run counts as stuck",
		Value:   30,
		Sources: cli.EnvVars("RECLAIM_TIMEOUT_MINUTES"),
	}
}

func reclaimScheduleFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "reclaim-schedule",
		Usage:   "Cron expression for the reclamation sweep",
		Value:   mailpipe.DefaultReclaimSchedule,
		Sources: cli.EnvVars("RECLAIM_SCHEDULE"),
	}
}

func newReclaimer(cmd *cli.Command, env *environment) (*mailpipe.Reclaimer, error) {
	return mailpipe.NewReclaimer(mailpipe.ReclaimerOptions{
		Records:  env.records,
		Timeout:  time.Duration(cmd.Int("timeout-minutes")) * time.Minute,
		Schedule: cmd.String("reclaim-schedule"),
		Notifier: env.notifier,
		Logger:   env.logger,
	})
}

// environment bundles the wired dependencies shared by all commands.
type environment struct {
	logger   *slog.Logger
	records  *postgres.Store
	pipeline *mailpipe.Pipeline
	notifier mailpipe.Notifier
	locker   engine.Locker
	redis    *redis.Client
}

func (e *environment) close() {
	if e.records != nil {
		if err := e.records.Close(); err != nil {
			e.logger.Error("failed to close record store", "error", err)
		}
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			e.logger.Error("failed to close redis client", "error", err)
		}
	}
}

func setup(ctx context.Context, cmd *cli.Command) (*environment, error) {
	logger := engine.NewLogger(engine.ParseLevel(cmd.String("log-level")))

	records, err := postgres.NewStore(ctx, logger, cmd.String("database-url"))
	if err != nil {
		return nil, err
	}

	env := &environment{
		logger:   logger,
		records:  records,
		notifier: mailpipe.NewNullNotifier(),
	}

	var checkpoints engine.CheckpointStore
	if redisURL := cmd.String("redis-url"); redisURL != "" {
		redisOpts, err := redis.ParseURL(redisURL)
		if err != nil {
			env.close()
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		env.redis = redis.NewClient(redisOpts)
		checkpoints, err = redisstore.NewCheckpointStore(env.redis, redisstore.CheckpointStoreOptions{})
		if err != nil {
			env.close()
			return nil, err
		}
		env.locker, err = redisstore.NewLock(env.redis)
		if err != nil {
			env.close()
			return nil, err
		}
	} else {
		checkpoints, err = engine.NewFileCheckpointStore(cmd.String("checkpoint-dir"), redisstore.DefaultRetention)
		if err != nil {
			env.close()
			return nil, err
		}
	}

	if webhookURL := cmd.String("webhook-url"); webhookURL != "" {
		notifier, err := remote.NewWebhookNotifier(webhookURL, remote.ClientOptions{})
		if err != nil {
			env.close()
			return nil, err
		}
		env.notifier = notifier
	}

	ocr, err := remote.NewOCRClient(cmd.String("ocr-url"), remote.ClientOptions{})
	if err != nil {
		env.close()
		return nil, fmt.Errorf("ocr client: %w", err)
	}
	merger, err := remote.NewContentMerger(cmd.String("merger-url"), remote.ClientOptions{})
	if err != nil {
		env.close()
		return nil, fmt.Errorf("content merger: %w", err)
	}
	summarizer, err := remote.NewSummarizer(cmd.String("summarizer-url"), remote.ClientOptions{})
	if err != nil {
		env.close()
		return nil, fmt.Errorf("summarizer: %w", err)
	}
	tickets, err := remote.NewTicketClient(cmd.String("tickets-url"), remote.ClientOptions{})
	if err != nil {
		env.close()
		return nil, fmt.Errorf("ticket client: %w", err)
	}

	var topology *engine.Topology
	if path := cmd.String("topology"); path != "" {
		topology, err = engine.LoadTopology(path)
		if err != nil {
			env.close()
			return nil, err
		}
	}

	env.pipeline, err = mailpipe.NewPipeline(mailpipe.PipelineOptions{
		Records:     records,
		OCR:         ocr,
		Merger:      merger,
		Summarizer:  summarizer,
		Tickets:     tickets,
		Notifier:    env.notifier,
		Checkpoints: checkpoints,
		Topology:    topology,
		Logger:      logger,
	})
	if err != nil {
		env.close()
		return nil, err
	}
	return env, nil
}
