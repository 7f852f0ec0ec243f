package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/loomchat/loom/pkg/auth"
	"github.com/loomchat/loom/pkg/backends"
	_ "github.com/loomchat/loom/pkg/backends/agentwire"
	_ "github.com/loomchat/loom/pkg/backends/chatcomp"
	_ "github.com/loomchat/loom/pkg/backends/graphrun"
	"github.com/loomchat/loom/pkg/chats/message"
	"github.com/loomchat/loom/pkg/run"
	"github.com/loomchat/loom/pkg/stream"
	"github.com/loomchat/loom/pkg/thread"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: loom [flags]\n\nFlags:\n")
		flag.PrintDefaults()
	}

	configPath := flag.String("config", "loom.yaml", "path to configuration file")
	envFile := flag.String("env", ".env", "path to .env file (ignored if missing)")
	backendKind := flag.String("backend", "", "backend variant to use (overrides config)")
	threadID := flag.String("thread", "", "open an existing thread by id")
	logFile := flag.String("log", "", "write debug logs to this file")
	flag.Parse()

	if err := loadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := runApp(*configPath, *backendKind, *threadID, *logFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runApp(configPath, backendKind, threadID, logFile string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if backendKind != "" {
		cfg.Backend.Kind = backendKind
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, closeLog, err := newLogger(logFile)
	if err != nil {
		return err
	}
	defer closeLog()

	// The TUI owns stdout; requests carry bearer auth when a token is
	// configured, otherwise the backend is assumed unauthenticated.
	var (
		tokens     auth.TokenSource
		httpClient *http.Client
	)
	if cfg.Auth.Token != "" {
		tokens = auth.StaticTokenSource(cfg.Auth.Token)
		httpClient = auth.NewTransport(tokens).Client()
	}

	backend, err := backends.New(backends.Config{
		Kind:      cfg.Backend.Kind,
		BaseURL:   cfg.Backend.BaseURL,
		Assistant: cfg.Backend.Assistant,
		Client:    httpClient,
	})
	if err != nil {
		return err
	}

	var threads *thread.Client
	if cfg.Threads.BaseURL != "" {
		threads = thread.NewClient(cfg.Threads.BaseURL, httpClient)
	}

	verifyDelay, err := cfg.verifyDelay()
	if err != nil {
		return err
	}

	rec := stream.New(stream.Options{Logger: log})

	binding := thread.NewBinding(thread.BindingOptions{
		Client:      threads,
		VerifyDelay: verifyDelay,
		// Surface async thread failures (creation, history loads) in the
		// status bar; cancellations come from the user and stay quiet.
		OnError: func(err error) {
			log.Error("thread operation failed", "error", err)
			if !errors.Is(err, context.Canceled) {
				rec.Apply(stream.Mutation{Op: stream.OpRunFailed, Err: err})
			}
		},
		Logger: log,
	})

	ctrl := run.NewController(run.Options{
		Backend:    backend,
		Reconciler: rec,
		Binding:    binding,
		Tokens:     tokens,
		Logger:     log,
	})

	if threadID != "" {
		binding.Adopt(threadID)
		binding.LoadHistory(ctx, threadID, func(msgs []message.Message) {
			rec.Seed(msgs)
		})
	}

	model := newAppModel(ctx, ctrl, rec, binding, backend.Name())

	p := tea.NewProgram(model)

	// Send the program reference so the model can start the bridge goroutine.
	go func() {
		p.Send(programReadyMsg{program: p})
	}()

	_, err = p.Run()
	rec.Close()
	return err
}

// newLogger opens a file-backed slog logger, or a discarding one when no
// path is given. Logging to stdout would corrupt the TUI.
func newLogger(path string) (*slog.Logger, func(), error) {
	if path == "" {
		return slog.New(slog.DiscardHandler), func() {}, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // caller-provided log path
	if err != nil {
		return nil, nil, fmt.Errorf("loom: open log file: %w", err)
	}

	return slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})),
		func() { _ = f.Close() }, nil
}
