package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/turnflow/internal/handler"
	"github.com/zhouzirui/turnflow/internal/middleware"
)

var (
	consolidateUser string
	consolidateChat string
	consolidateTurn int

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the recovery sweep",
		RunE:  runServe,
	}

	consolidateCmd = &cobra.Command{
		Use:   "consolidate",
		Short: "Fold the persisted chunks of one turn into its assistant message",
		RunE:  runConsolidate,
	}

	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Resume stale executions once and exit",
		RunE:  runSweep,
	}
)

func init() {
	consolidateCmd.Flags().StringVar(&consolidateUser, "user", "", "owner of the chat")
	consolidateCmd.Flags().StringVar(&consolidateChat, "chat", "", "chat id")
	consolidateCmd.Flags().IntVar(&consolidateTurn, "turn", 0, "turn index of the assistant message")
	_ = consolidateCmd.MarkFlagRequired("user")
	_ = consolidateCmd.MarkFlagRequired("chat")
	_ = consolidateCmd.MarkFlagRequired("turn")

	rootCmd.AddCommand(serveCmd, consolidateCmd, sweepCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	var limiter *middleware.Limiter
	if a.cfg.RateLimit.RPS > 0 {
		limiter = middleware.NewLimiter(a.cfg.RateLimit.RPS, a.cfg.RateLimit.Burst)
	}
	router := handler.NewRouter(handler.Deps{
		Chats:   a.chats,
		Turns:   a.orchestrator,
		Logger:  a.log,
		Limiter: limiter,
	})

	a.recovery.Start(ctx)
	defer a.recovery.Stop()

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	a.log.Info().Str("addr", srv.Addr).Msg("turnflow listening")
	if err := runServer(ctx, srv, a.cfg.Server.ShutdownTimeout); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	a.log.Info().Msg("server stopped")
	return nil
}

func runConsolidate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	out, err := a.orchestrator.Consolidate(ctx, consolidateUser, consolidateChat, consolidateTurn)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	sum := a.recovery.RunOnce(ctx)
	fmt.Fprintf(os.Stdout, "resumed=%d failed=%d abandoned=%d\n", sum.Resumed, sum.Failed, sum.Abandoned)
	return nil
}
