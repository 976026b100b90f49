// Command batch renders every prompt of a prompt file and exits once the
// queue drains.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"renderq/internal/domain"
	"renderq/internal/format"
	"renderq/internal/infra"
	"renderq/internal/queue"
	"renderq/internal/sink"
	"renderq/internal/storage"
	"renderq/internal/transport/sdhttp"
)

type options struct {
	job        string
	file       string
	inline     string
	tags       string
	negative   string
	model      string
	format     string
	seed       int64
	outputs    int
	perJob     int
	steps      int
	width      int
	height     int
	guidance   float64
	faceFix    bool
	upscale    string
	timeout    time.Duration
	randomSeed bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	fs.StringVar(&o.job, "job", "", "YAML job file with prompts and render settings")
	fs.StringVar(&o.file, "file", "-", "prompt file, one template per line (- for stdin)")
	fs.StringVar(&o.tags, "tags", "", "comma separated tags appended to every prompt")
	fs.StringVar(&o.negative, "negative", "", "negative prompt")
	fs.StringVar(&o.model, "model", domain.DefaultModel, "stable diffusion model")
	fs.StringVar(&o.format, "format", "", "output format (jpeg, png, webp)")
	fs.Int64Var(&o.seed, "seed", -1, "base seed, -1 draws a random one")
	fs.IntVar(&o.outputs, "outputs", 1, "images per prompt")
	fs.IntVar(&o.perJob, "per-job", 1, "images per render request")
	fs.IntVar(&o.steps, "steps", domain.DefaultInferenceSteps, "inference steps")
	fs.IntVar(&o.width, "width", domain.DefaultDimension, "image width")
	fs.IntVar(&o.height, "height", domain.DefaultDimension, "image height")
	fs.Float64Var(&o.guidance, "guidance", domain.DefaultGuidanceScale, "guidance scale")
	fs.BoolVar(&o.faceFix, "fix-faces", false, "apply face correction")
	fs.StringVar(&o.upscale, "upscale", "", "upscale model")
	fs.DurationVar(&o.timeout, "timeout", 0, "give up after this long (0 waits forever)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.job != "" {
		jf, err := loadJobFile(o.job)
		if err != nil {
			return o, err
		}
		set := make(map[string]bool)
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
		jf.apply(&o, set)
	}
	o.randomSeed = o.seed < 0
	if o.outputs <= 0 || o.perJob <= 0 {
		return o, fmt.Errorf("outputs and per-job must be positive")
	}
	return o, nil
}

func (o options) spec(text, defaultFormat string) queue.TaskSpec {
	tmpl := domain.RenderRequest{
		NegativePrompt:      o.negative,
		NumOutputs:          o.perJob,
		NumInferenceSteps:   o.steps,
		GuidanceScale:       o.guidance,
		Width:               o.width,
		Height:              o.height,
		Model:               o.model,
		OutputFormat:        o.format,
		UseUpscale:          o.upscale,
		StreamImageProgress: false,
	}
	if tmpl.OutputFormat == "" {
		tmpl.OutputFormat = defaultFormat
	}
	if o.faceFix {
		tmpl.UseFaceCorrection = domain.FaceCorrectionModel
	}
	spec := queue.TaskSpec{
		Text:          text,
		Template:      tmpl,
		RandomSeed:    o.randomSeed,
		TotalOutputs:  o.outputs,
		OutputsPerJob: o.perJob,
		Origin:        "batch",
	}
	if !o.randomSeed {
		seed := o.seed
		spec.Seed = &seed
	}
	for _, tag := range strings.Split(o.tags, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			spec.Tags = append(spec.Tags, tag)
		}
	}
	return spec
}

func readPrompts(path string, stdin io.Reader) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	return string(b), err
}

func main() {
	_ = godotenv.Load()

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	text := opts.inline
	if text == "" {
		text, err = readPrompts(opts.file, os.Stdin)
	}
	if err != nil {
		logger.Fatal().Err(err).Str("file", opts.file).Msg("batch: failed to read prompts")
	}

	store, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("batch: failed to configure storage")
	}

	client := sdhttp.NewClient(sdhttp.Options{
		BaseURL:      cfg.SDBaseURL,
		PollInterval: cfg.StreamPollInterval,
		Logger:       &logger,
	})
	if _, err := client.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Str("server", cfg.SDBaseURL).Msg("batch: render server unavailable")
	}
	go client.Monitor(ctx, cfg.PingInterval, nil)

	idle := make(chan struct{}, 1)
	progress := queue.ObserverFunc(func(n queue.Notification) {
		switch n.Kind {
		case queue.NoteTaskEnded:
			logger.Info().Str("task_id", n.TaskID).Str("state", string(n.Status)).Msg(n.Message)
		case queue.NoteIdle:
			select {
			case idle <- struct{}{}:
			default:
			}
		}
	})
	results := sink.NewStorageSink(store, client, logger)
	sched := queue.New(client, queue.Options{
		Capacity:  cfg.RenderCapacity,
		Formats:   format.NewRegistry(),
		Sink:      results,
		Observers: []queue.Observer{progress},
		Logger:    &logger,
	})

	res, err := sched.CreateTasks(ctx, opts.spec(text, cfg.DefaultOutputFormat))
	if err != nil {
		logger.Fatal().Err(err).Msg("batch: submission rejected")
	}
	for _, e := range res.Errors {
		logger.Warn().Int("line", e.Line).Msg("batch: " + e.Error())
	}
	if len(res.Tasks) == 0 {
		logger.Error().Msg("batch: nothing to render")
		os.Exit(1)
	}
	logger.Info().Int("tasks", len(res.Tasks)).Msg("batch: submitted")

	select {
	case <-idle:
	case <-ctx.Done():
		logger.Warn().Err(ctx.Err()).Msg("batch: interrupted, stopping")
		sched.StopAll()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.StopAll(stopCtx); err != nil {
			logger.Warn().Err(err).Msg("batch: server stop failed")
		}
		cancel()
	}
	sched.Close()

	os.Exit(report(os.Stdout, sched.Tasks(), results))
}

// report prints one line per task and returns the process exit code.
func report(w io.Writer, tasks []queue.TaskSnapshot, saved interface{ Saved(string) []string }) int {
	code := 0
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.State, t.Prompt, t.Summary)
		for _, key := range saved.Saved(t.ID) {
			fmt.Fprintf(w, "\t%s\n", key)
		}
		if t.State != queue.TaskCompleted {
			code = 1
		}
	}
	return code
}
