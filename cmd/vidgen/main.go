package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/MimeLyc/vidgen-client/internal/api"
	"github.com/MimeLyc/vidgen-client/internal/config"
	"github.com/MimeLyc/vidgen-client/internal/history"
	"github.com/MimeLyc/vidgen-client/internal/jobs"
	"github.com/MimeLyc/vidgen-client/internal/push"
	"github.com/MimeLyc/vidgen-client/internal/tracker"
	"github.com/MimeLyc/vidgen-client/pkg/log"
)

const usage = `Usage: vidgen <command> [flags]

Commands:
  login        store the access token and user id
  logout       forget the stored session
  submit       submit a generation job: submit <image-to-video|text-to-video|video-to-anime|story> [flags]
  watch        track jobs live and render the queue
  sync         load the newest jobs from the server and print the queue
  upload       upload an image or video: upload <file>
  cancel       cancel or delete a job: cancel <job-id>
  history      list finished jobs
  mock-server  run an in-memory backend for local development
`

var errUsage = errors.New("invalid usage")

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "vidgen:", describe(err))
		}
		os.Exit(1)
	}
}

// describe prefers the user facing text of API failures.
func describe(err error) string {
	var clientErr *api.ClientError
	if errors.As(err, &clientErr) {
		return api.UserMessage(err)
	}
	return err.Error()
}

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"login":       runLogin,
	"logout":      runLogout,
	"submit":      runSubmit,
	"watch":       runWatch,
	"sync":        runSync,
	"upload":      runUpload,
	"cancel":      runCancel,
	"history":     runHistory,
	"mock-server": runMockServer,
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}
	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprint(stdout, usage)
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return errUsage
	}

	a, err := newApp(stdout, stderr)
	if err != nil {
		return err
	}
	defer a.close()
	return cmd(ctx, a, args[1:])
}

// app holds what every command shares: configuration, the session and the
// REST client.
type app struct {
	cfg      *config.Config
	sessions *config.SessionStore
	client   *api.Client
	stdout   io.Writer
	stderr   io.Writer

	closers []func() error
}

func newApp(stdout, stderr io.Writer) (*app, error) {
	cfg, err := config.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	a := &app{cfg: cfg, stdout: stdout, stderr: stderr}
	if err := a.setupLogger(); err != nil {
		return nil, err
	}

	a.sessions, err = config.NewSessionStore(cfg.System.SessionFile)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("load session: %w", err)
	}
	session, err := a.sessions.Get()
	if err == nil {
		config.WithSessionLanguage(session)(cfg)
	}

	a.client, err = api.NewClient(api.Config{
		BaseURL:  cfg.API.BaseURL,
		Token:    session.Token,
		Language: cfg.API.Language,
		Timeout:  cfg.API.Timeout,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) setupLogger() error {
	level := log.ParseLevel(a.cfg.System.LogLevel)
	switch {
	case a.cfg.System.LogFile != "":
		fileLogger, err := log.NewFileLogger(a.cfg.System.LogFile, level)
		if err != nil {
			return err
		}
		log.SetLogger(fileLogger.Logger)
		a.closers = append(a.closers, fileLogger.Close)
	case a.cfg.System.LogFormat == "json":
		log.SetLogger(log.NewWriterLogger(a.stderr, level))
	default:
		log.SetLogger(log.NewConsoleLogger(level))
	}
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn("Close failed: %v", err)
		}
	}
	a.closers = nil
}

// openHistory opens the local result history; the app closes it on exit.
func (a *app) openHistory() (*history.SQLiteStore, error) {
	db, err := history.NewSQLiteStore(a.cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	return db, nil
}

func (a *app) newTracker(withHistory bool) (*tracker.Tracker, error) {
	var storeOpts []jobs.StoreOption
	if a.cfg.Tracker.OrderingGuard {
		storeOpts = append(storeOpts, jobs.WithOrderingGuard())
	}

	opts := tracker.Options{
		PollInterval: a.cfg.Tracker.PollInterval,
		Push: push.Options{
			BaseURL:        a.cfg.Tracker.PushURL,
			ReconnectDelay: a.cfg.Tracker.ReconnectDelay,
			MaxAttempts:    a.cfg.Tracker.MaxReconnectAttempts,
			PingInterval:   a.cfg.Tracker.PingInterval,
		},
		Dialer:   push.NewWebSocketDialer(a.client.Token),
		Sessions: a.sessions,
	}
	if withHistory {
		db, err := a.openHistory()
		if err != nil {
			return nil, err
		}
		opts.History = db
		opts.Retention = a.cfg.History.Retention
		opts.PruneCron = a.cfg.History.PruneCron
	}
	return tracker.New(jobs.NewStore(storeOpts...), a.client, opts)
}

func (a *app) requireSession() error {
	if _, err := a.sessions.Get(); err != nil {
		return err
	}
	return nil
}
