package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Zereker/bililive"
)

type config struct {
	room        int64
	cookie      string
	heartbeat   time.Duration
	metricsAddr string
	send        string
}

func main() {
	var cfg config

	rootCmd := &cobra.Command{
		Use:           "bililive",
		Short:         "Watch a live room's chat feed",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := rootCmd.Flags()
	flags.Int64VarP(&cfg.room, "room", "r", 0, "Room id to join (short ids are resolved)")
	flags.StringVar(&cfg.cookie, "cookie", os.Getenv("BILILIVE_COOKIE"), "Browser cookie header for a logged-in session")
	flags.DurationVar(&cfg.heartbeat, "heartbeat", 30*time.Second, "Heartbeat interval")
	flags.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address")
	flags.StringVar(&cfg.send, "send", "", "Post this chat line once the join is acknowledged")
	_ = rootCmd.MarkFlagRequired("room")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config) error {
	reg := prometheus.NewRegistry()
	metrics := bililive.NewMetrics(reg)

	if cfg.metricsAddr != "" {
		srv := &http.Server{Addr: cfg.metricsAddr, Handler: newRouter(reg)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
		slog.Info("metrics server started", "addr", cfg.metricsAddr)
	}

	api, err := bililive.NewAPIClient(cfg.cookie)
	if err != nil {
		return err
	}
	publisher := bililive.NewPublisher(api, bililive.PublisherMetricsOption(metrics))

	commands := map[string]bililive.Handler{
		bililive.CmdDanmaku: bililive.DanmakuHandler(func(_ context.Context, _ *bililive.Session, d bililive.Danmaku) error {
			fmt.Printf("[%s] %s: %s\n", d.Time.Format(time.TimeOnly), d.UserName, d.Content)
			return nil
		}),
		bililive.CmdSendGift: bililive.GiftHandler(func(_ context.Context, _ *bililive.Session, g bililive.Gift) error {
			fmt.Printf("%s sent %s x%d\n", g.UserName, g.GiftName, g.Num)
			return nil
		}),
	}

	session, err := bililive.NewSession(cfg.room,
		bililive.RoomResolverOption(api),
		bililive.AuthenticatorOption(api),
		bililive.CommandsOption(commands),
		bililive.MetricsOption(metrics),
		bililive.HeartbeatIntervalOption(cfg.heartbeat),
		bililive.OnConnectSuccessOption(func(s *bililive.Session) {
			slog.Info("joined room", "room", s.RoomID(), "user", s.UserName(), "logged_in", s.LoggedIn())
			if cfg.send == "" {
				return
			}
			go func() {
				if err := publisher.Send(ctx, bililive.ChatMessage{RoomID: s.RoomID(), Text: cfg.send}); err != nil {
					slog.Warn("send interrupted", "error", err)
				}
			}()
		}),
		bililive.OnErrorOption(func(_ *bililive.Session, err error) {
			slog.Error("feed error", "error", err)
		}),
	)
	if err != nil {
		return err
	}

	err = session.Connect(ctx)
	if errors.Is(err, context.Canceled) {
		slog.Info("shutting down")
		return nil
	}
	return err
}

func newRouter(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintln(w, "ok")
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return r
}
