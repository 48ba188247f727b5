package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/vidgen-client/internal/api"
	"github.com/MimeLyc/vidgen-client/internal/config"
	"github.com/MimeLyc/vidgen-client/internal/history"
	"github.com/MimeLyc/vidgen-client/internal/httpapi"
	"github.com/MimeLyc/vidgen-client/internal/jobs"
	"github.com/MimeLyc/vidgen-client/internal/queueview"
	"github.com/MimeLyc/vidgen-client/internal/tracker"
	"github.com/MimeLyc/vidgen-client/internal/upload"
	"github.com/MimeLyc/vidgen-client/pkg/icron"
	"github.com/MimeLyc/vidgen-client/pkg/log"
)

func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func runLogin(_ context.Context, a *app, args []string) error {
	fs := a.flags("login")
	token := fs.String("token", "", "access token")
	userID := fs.String("user", "", "user id (UUID)")
	username := fs.String("name", "", "display name")
	lang := fs.String("lang", "", "preferred response language, e.g. zh")
	if err := fs.Parse(args); err != nil {
		return err
	}

	session, err := a.sessions.Update(config.Session{
		Token:    strings.TrimSpace(*token),
		UserID:   strings.TrimSpace(*userID),
		Username: *username,
		Language: *lang,
	})
	if err != nil {
		return err
	}
	who := session.Username
	if who == "" {
		who = session.UserID
	}
	fmt.Fprintf(a.stdout, "Logged in as %s\n", who)
	return nil
}

func runLogout(_ context.Context, a *app, _ []string) error {
	if err := a.sessions.Clear(); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "Logged out")
	return nil
}

type submitFlags struct {
	prompt      string
	fileURL     string
	storyID     string
	provider    string
	style       string
	duration    int
	aspectRatio string
	negative    string
	strength    float64
}

// buildRequest maps the flags onto the request body of mode. Unset values
// are left for ApplyDefaults.
func buildRequest(mode api.Mode, f submitFlags) api.GenerateRequest {
	switch mode {
	case api.ModeImageToVideo:
		return &api.ImageToVideoRequest{
			FileURL:        f.fileURL,
			Prompt:         f.prompt,
			StylePreset:    f.style,
			Provider:       f.provider,
			Duration:       f.duration,
			AspectRatio:    f.aspectRatio,
			NegativePrompt: f.negative,
		}
	case api.ModeTextToVideo:
		return &api.TextToVideoRequest{
			Prompt:         f.prompt,
			StylePreset:    f.style,
			Provider:       f.provider,
			Duration:       f.duration,
			AspectRatio:    f.aspectRatio,
			NegativePrompt: f.negative,
		}
	case api.ModeVideoToAnime:
		req := &api.VideoToAnimeRequest{
			FileURL:     f.fileURL,
			StylePreset: f.style,
			Provider:    f.provider,
		}
		if f.strength >= 0 {
			strength := f.strength
			req.StyleStrength = &strength
		}
		return req
	default:
		return &api.StoryRequest{
			StoryID:     f.storyID,
			Provider:    f.provider,
			StylePreset: f.style,
		}
	}
}

func runSubmit(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(a.stderr, "usage: vidgen submit <image-to-video|text-to-video|video-to-anime|story> [flags]")
		return errUsage
	}
	mode, err := api.ParseMode(args[0])
	if err != nil {
		return err
	}

	var f submitFlags
	fs := a.flags("submit " + string(mode))
	fs.StringVar(&f.prompt, "prompt", "", "scene description")
	fs.StringVar(&f.fileURL, "file-url", "", "uploaded input file URL (image-to-video, video-to-anime)")
	fs.StringVar(&f.storyID, "story-id", "", "story to render (story)")
	fs.StringVar(&f.provider, "provider", "", "generation provider: "+strings.Join(api.Providers, ", "))
	fs.StringVar(&f.style, "style", "", "style preset: "+strings.Join(api.StylePresets, ", "))
	fs.IntVar(&f.duration, "duration", 0, "clip length in seconds")
	fs.StringVar(&f.aspectRatio, "aspect-ratio", "", "aspect ratio, e.g. 16:9")
	fs.StringVar(&f.negative, "negative", "", "negative prompt")
	fs.Float64Var(&f.strength, "strength", -1, "style strength 0..1 (video-to-anime)")
	wait := fs.Bool("wait", false, "track the job until it finishes")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if err := a.requireSession(); err != nil {
		return err
	}

	tr, err := a.newTracker(*wait)
	if err != nil {
		return err
	}
	job, err := tr.Submit(ctx, buildRequest(mode, f))
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Submitted %s\n", job.ID)
	if !*wait {
		fmt.Fprint(a.stdout, queueview.RenderCard(job, time.Now(), " "))
		return nil
	}

	final, err := waitForJob(ctx, tr, job.ID)
	if err != nil {
		return err
	}
	fmt.Fprint(a.stdout, queueview.RenderCard(final, time.Now(), " "))
	if final.Status == jobs.StatusFailed {
		return fmt.Errorf("job %s failed: %s", final.ID, final.ErrorMessage)
	}
	return nil
}

// waitForJob runs the tracker until job id reaches a terminal state or ctx
// is cancelled.
func waitForJob(ctx context.Context, tr *tracker.Tracker, id string) (jobs.Job, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	finished := make(chan jobs.Job, 1)
	check := func() {
		if job, ok := tr.Store().Get(id); ok && job.Status.Terminal() {
			select {
			case finished <- job:
			default:
			}
		}
	}
	unsubscribe := tr.Store().Subscribe(func(jobs.Change) { check() })
	defer unsubscribe()

	errCh := make(chan error, 1)
	go func() { errCh <- tr.Run(ctx) }()
	check()

	select {
	case job := <-finished:
		cancel()
		<-errCh
		return job, nil
	case err := <-errCh:
		if err == nil {
			err = ctx.Err()
		}
		return jobs.Job{}, err
	}
}

func runWatch(ctx context.Context, a *app, args []string) error {
	fs := a.flags("watch")
	noSync := fs.Bool("no-sync", false, "start from an empty queue instead of the server's newest jobs")
	repaint := fs.Bool("clear", isTerminal(a.stdout), "repaint in place")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.requireSession(); err != nil {
		return err
	}

	tr, err := a.newTracker(true)
	if err != nil {
		return err
	}
	if !*noSync {
		if err := tr.Sync(ctx); err != nil {
			if api.IsErrorType(err, api.ErrUnauthorized) {
				return err
			}
			log.Warn("Initial sync failed, starting with an empty queue: %v", err)
		}
	}

	view := queueview.New(tr.Store())
	view.ClearScreen = *repaint

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tr.Run(ctx) })
	g.Go(func() error { return view.Watch(ctx, a.stdout) })
	return g.Wait()
}

func runSync(ctx context.Context, a *app, _ []string) error {
	if err := a.requireSession(); err != nil {
		return err
	}
	tr, err := a.newTracker(false)
	if err != nil {
		return err
	}
	if err := tr.Sync(ctx); err != nil {
		return err
	}
	return queueview.New(tr.Store()).Render(a.stdout)
}

func runUpload(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		fmt.Fprintln(a.stderr, "usage: vidgen upload <file>")
		return errUsage
	}
	if err := a.requireSession(); err != nil {
		return err
	}

	uploader := upload.New(a.client)
	uploader.OnChange(func(s upload.State) {
		if s.Phase == upload.PhaseUploading {
			fmt.Fprintf(a.stderr, "\r%s", s)
		}
	})
	result, err := uploader.UploadPath(ctx, args[0])
	fmt.Fprintln(a.stderr)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s\n", result.URL)
	log.Info("Uploaded %s (%s, %s)", result.Filename, result.ContentType, humanize.Bytes(uint64(result.Size)))
	return nil
}

func runCancel(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		fmt.Fprintln(a.stderr, "usage: vidgen cancel <job-id>")
		return errUsage
	}
	if err := a.requireSession(); err != nil {
		return err
	}
	tr, err := a.newTracker(false)
	if err != nil {
		return err
	}
	if err := tr.Cancel(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Cancelled %s\n", args[0])
	return nil
}

func runHistory(ctx context.Context, a *app, args []string) error {
	fs := a.flags("history")
	jobType := fs.String("type", "", "job type: img2vid, txt2vid, vid2anime, story")
	status := fs.String("status", "", "completed or failed")
	lang := fs.String("lang", "", "prompt language, ISO 639-1")
	limit := fs.Int("limit", 20, "maximum entries, 0 for all")
	prune := fs.Bool("prune", false, "remove entries older than HISTORY_RETENTION and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := a.openHistory()
	if err != nil {
		return err
	}

	if *prune {
		pruner, err := history.NewPruner(db, a.cfg.History.Retention, a.cfg.History.PruneCron)
		if err != nil {
			return err
		}
		removed, err := pruner.PruneNow(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "Removed %d entries\n", removed)
		if info, err := icron.GetTriggerInfo(a.cfg.History.PruneCron, time.Now()); err == nil {
			fmt.Fprintf(a.stdout, "Next scheduled prune %s\n", humanize.Time(info.Next))
		}
		return nil
	}

	entries, err := db.List(ctx, history.Filter{
		Type:   jobs.Type(*jobType),
		Status: jobs.Status(*status),
		Lang:   *lang,
		Limit:  *limit,
	})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(a.stdout, "No finished jobs yet.")
		return nil
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tTYPE\tSTATUS\tLANG\tFINISHED\tPROMPT\tRESULT")
	for _, e := range entries {
		result := e.OutputVideoURL
		if e.Status == jobs.StatusFailed {
			result = queueview.Truncate(e.ErrorMessage, 40)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(e.JobID),
			e.Type.Label(),
			e.Status.Label(),
			orDash(e.PromptLang),
			humanize.Time(e.FinishedAt),
			orDash(queueview.Truncate(e.Prompt, 40)),
			orDash(result),
		)
	}
	return tw.Flush()
}

func runMockServer(ctx context.Context, a *app, args []string) error {
	fs := a.flags("mock-server")
	addr := fs.String("addr", ":8000", "listen address")
	token := fs.String("token", "", "required bearer token, empty accepts any")
	userID := fs.String("user", "", "user id allowed on the push channel, also receives simulated events")
	step := fs.Duration("step", 2*time.Second, "time between simulated lifecycle stages, 0 disables")
	publicURL := fs.String("public-url", "", "origin used in upload and video URLs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	opts := []httpapi.Option{httpapi.WithSimulation(*step)}
	if *token != "" || *userID != "" {
		opts = append(opts, httpapi.WithAuth(*token, *userID))
	}
	if *publicURL != "" {
		opts = append(opts, httpapi.WithPublicURL(*publicURL))
	}
	srv := httpapi.NewServer(opts...)

	log.Info("Mock backend listening on %s", *addr)
	return serveUntilDone(ctx, srv, *addr)
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

// serveUntilDone runs srv until it fails or ctx is cancelled, then shuts it
// down gracefully.
func serveUntilDone(ctx context.Context, srv httpServer, addr string) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(addr) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func isTerminal(w any) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
