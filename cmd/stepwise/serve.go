package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rahul/stepwise/internal/api"
	"github.com/rahul/stepwise/internal/executor"
	"github.com/rahul/stepwise/internal/gateway"
	"github.com/rahul/stepwise/internal/observability"
)

var serveDashboard bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, chat gateway and scheduler",
	Long: `Serve the task API on the configured address, start the Telegram gateway
when it is enabled and poll stored schedules for due submissions.

Stops on SIGINT or SIGTERM after in-flight tasks finish.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveDashboard, "dashboard", false, "Show the live status line in the terminal")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveDashboard {
		observability.PrintBanner()
		observability.InitializeTerminal()
		defer observability.CleanupTerminal()
		// Route all log output through the terminal mutex so it never
		// interrupts the dashboard's cursor save/restore sequence.
		log.SetOutput(observability.NewTermWriter())
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if tgCfg, ok := a.cfg.GetTelegramConfig(); ok {
		commands := &gateway.Commands{Tasks: a.executor, Reader: a.store, Transcript: a.store}
		tg, err := gateway.NewTelegramGateway(tgCfg.Token, commands)
		if err != nil {
			return err
		}
		a.executor.Notifier = &gateway.Notifier{Messenger: tg, Transcript: a.store}
		go func() {
			if err := tg.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("\033[91m[ FAIL ] GATEWAY CRITICAL ERROR: %v\033[0m", err)
				stop()
			}
		}()
		defer tg.Stop()
	}

	scheduler := executor.NewScheduler(a.store, a.executor, time.Duration(a.cfg.Scheduler.PollSeconds)*time.Second)
	go scheduler.Start(ctx)

	go tick(ctx, 30*time.Second, observability.Heartbeat)
	if serveDashboard {
		go tick(ctx, time.Second, observability.PrintLiveStatus)
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           api.NewRouter(&api.Handlers{Store: a.store, Executor: a.executor}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Serve] %s listening on %s", a.cfg.App.Name, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Println("[Serve] shutting down, waiting for running tasks")
	return srv.Shutdown(shutdownCtx)
}

func tick(ctx context.Context, every time.Duration, fn func()) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
