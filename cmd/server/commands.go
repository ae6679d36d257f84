package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-analytics/internal/analytics/ingest"
	"github.com/kubilitics/kubilitics-analytics/internal/api/middleware"
	"github.com/kubilitics/kubilitics-analytics/internal/config"
	"github.com/kubilitics/kubilitics-analytics/internal/integration/events"
	"github.com/kubilitics/kubilitics-analytics/internal/logging"
	"github.com/kubilitics/kubilitics-analytics/internal/models"
	"github.com/kubilitics/kubilitics-analytics/internal/server"
)

const defaultConfigPath = "/etc/kubilitics/analytics.yaml"

type app struct {
	configPath string
	mgr        config.ConfigManager
	cfg        *config.Config
	log        *logging.Logger

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{stdin: in, stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "analytics-server",
		Short:         "Real-time storefront analytics engine",
		Long:          "analytics-server ingests storefront events into time-bucketed metrics, detects anomalies, forecasts revenue and streams updates to dashboards.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadConfig(cmd.Context())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Close()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&a.configPath, "config", defaultConfigPath, "path to the YAML config file")
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.AddCommand(
		newServeCmd(a),
		newReplayCmd(a),
		newForecastCmd(a),
		newTokenCmd(a),
		newPublishCmd(a),
	)
	return cmd
}

func (a *app) loadConfig(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mgr, err := config.NewConfigManager(a.configPath)
	if err != nil {
		return err
	}
	if err := mgr.Load(ctx); err != nil {
		return err
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}
	a.mgr = mgr
	a.cfg = mgr.Get(ctx)

	a.log, err = logging.New(logging.Options{
		Level:      a.cfg.Logging.Level,
		Format:     a.cfg.Logging.Format,
		FilePath:   a.cfg.Logging.FilePath,
		MaxSizeMB:  a.cfg.Logging.MaxSizeMB,
		MaxBackups: a.cfg.Logging.MaxBackups,
		MaxAgeDays: a.cfg.Logging.MaxAgeDays,
	})
	return err
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, WebSocket and gRPC health listeners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := server.New(a.cfg, a.log.Logger)
			if err != nil {
				return err
			}
			if _, err := os.Stat(a.configPath); err == nil {
				go srv.WatchConfig(ctx, a.mgr.Watch(ctx), a.log.SetLevel)
			}
			return srv.Run(ctx)
		},
	}
}

func newReplayCmd(a *app) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Apply retained events that were never turned into metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			core, err := server.NewCore(a.cfg, a.log.Logger)
			if err != nil {
				return err
			}
			defer core.Close()

			total := 0
			for {
				n, err := core.Pipeline.Replay(cmd.Context(), batch)
				total += n
				if err != nil {
					return fmt.Errorf("replay stopped after %d events: %w", total, err)
				}
				if n == 0 {
					break
				}
			}
			fmt.Fprintf(a.stdout, "replayed %d events\n", total)
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 500, "events per replay batch")
	return cmd
}

func newForecastCmd(a *app) *cobra.Command {
	var (
		metric string
		days   int
		shop   string
	)
	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Compute and store a forecast, printing it as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			core, err := server.NewCore(a.cfg, a.log.Logger)
			if err != nil {
				return err
			}
			defer core.Close()

			points, err := core.Forecaster.ForecastWithTrigger(cmd.Context(), "cli",
				models.MetricType(metric), days, models.Dimensions{ShopID: shop})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(a.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(points)
		},
	}
	cmd.Flags().StringVar(&metric, "metric", string(models.MetricRevenue), "metric type to forecast")
	cmd.Flags().IntVar(&days, "days", 7, "days ahead")
	cmd.Flags().StringVar(&shop, "shop", "", "restrict to one shop")
	return cmd
}

func newTokenCmd(a *app) *cobra.Command {
	var (
		user string
		role string
		shop string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for the API and WebSocket",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if a.cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			if role == models.RoleShopOwner && shop == "" {
				return fmt.Errorf("--shop is required for role %s", models.RoleShopOwner)
			}
			tok, err := middleware.Issue(a.cfg.Auth.JWTSecret, models.Actor{
				ID: user, Role: role, BoundShopID: shop,
			}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (token subject)")
	cmd.Flags().StringVar(&role, "role", models.RoleAdmin, "admin, shop_owner or customer")
	cmd.Flags().StringVar(&shop, "shop", "", "bound shop for shop owners")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// newPublishCmd reads newline-delimited JSON events and writes them to the
// ingest topic.
func newPublishCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish newline-delimited JSON events to Kafka",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, err := events.NewPublisher(events.Config{
				Brokers: a.cfg.Kafka.Brokers,
				Topic:   a.cfg.Kafka.Topic,
			})
			if err != nil {
				return err
			}
			defer pub.Close()

			in := a.stdin
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			n, err := publishLines(cmd.Context(), in, pub)
			fmt.Fprintf(a.stdout, "published %d events\n", n)
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "input file, - for stdin")
	return cmd
}

type eventPublisher interface {
	Publish(ctx context.Context, ev models.RawEvent) error
}

func publishLines(ctx context.Context, in io.Reader, pub eventPublisher) (int, error) {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	n, line := 0, 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var ev models.RawEvent
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if ev.EventID == "" {
			ev.EventID = uuid.NewString()
		}
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = time.Now().UTC()
		}
		if err := ingest.Validate(&ev); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if err := pub.Publish(ctx, ev); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	return n, sc.Err()
}
