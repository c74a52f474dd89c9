package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/andresmejia3/meshline/internal/annotator"
	"github.com/andresmejia3/meshline/internal/chain"
	"github.com/andresmejia3/meshline/internal/config"
	"github.com/andresmejia3/meshline/internal/detector"
	"github.com/andresmejia3/meshline/internal/pipeline"
	"github.com/andresmejia3/meshline/internal/sink"
	"github.com/andresmejia3/meshline/internal/source"
	"github.com/andresmejia3/meshline/internal/topology"
	"github.com/andresmejia3/meshline/internal/transform"
	"github.com/andresmejia3/meshline/internal/types"
	"github.com/andresmejia3/meshline/internal/utils"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Options holds the flags of the run command.
type Options struct {
	InputPath    string
	FPS          float64
	OutputPath   string
	MetadataPath string
	Meshes       bool
	Record       bool
	ConfigPath   string

	Workers          int
	WorkerTimeout    string
	DetectorDeadline string
	StageBudget      string
	QueueCapacity    int
	GracePeriod      int
	DrainTimeout     string

	RedactStyle string
	Strength    int
	Fill        string
	Targets     []int
	Brightness  float64
	DropEvery   int
	OnlyFaces   bool
}

var runOpts Options

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Stream a video through face mesh annotation and transforms",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runPipeline(cmd.Context(), runOpts, cmd.Flags())
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.InputPath, "input", "i", "", "Path or URL of the input video, or '-' for an MJPEG stream on stdin")
	runCmd.Flags().Float64Var(&runOpts.FPS, "fps", 0, "Frame rate of an MJPEG input (0 stamps frames with their arrival time)")
	runCmd.Flags().StringVarP(&runOpts.OutputPath, "output", "o", "", "Write transformed frames to this video file")
	runCmd.Flags().StringVarP(&runOpts.MetadataPath, "metadata", "m", "", "Write per-frame face metadata as JSON lines ('-' for stdout)")
	runCmd.Flags().BoolVar(&runOpts.Meshes, "meshes", false, "Include vertices and normals in the metadata output")
	runCmd.Flags().BoolVar(&runOpts.Record, "record", false, "Record the session in PostgreSQL")
	runCmd.Flags().StringVarP(&runOpts.ConfigPath, "config", "c", "", "JSON tuning file; explicit flags take precedence")

	runCmd.Flags().IntVarP(&runOpts.Workers, "engines", "e", 1, "Number of mesh worker processes")
	runCmd.Flags().StringVar(&runOpts.WorkerTimeout, "worker-timeout", "10s", "Timeout for a worker to answer a single frame")
	runCmd.Flags().StringVar(&runOpts.DetectorDeadline, "deadline", "50ms", "How long a frame waits for its face mesh before moving on without it")
	runCmd.Flags().StringVar(&runOpts.StageBudget, "stage-budget", "30ms", "Time limit for each transform stage per frame")
	runCmd.Flags().IntVarP(&runOpts.QueueCapacity, "queue", "q", 4, "Frames buffered between capture and processing; the oldest is dropped when full")
	runCmd.Flags().IntVarP(&runOpts.GracePeriod, "grace-period", "g", 5, "Detector outputs a face may be missing from before it is retired")
	runCmd.Flags().StringVar(&runOpts.DrainTimeout, "drain-timeout", "5s", "On interrupt, how long queued frames may take to finish")

	runCmd.Flags().StringVar(&runOpts.RedactStyle, "redact", "", "Redact tracked faces: black, pixel, gauss, secure")
	runCmd.Flags().IntVarP(&runOpts.Strength, "strength", "s", 15, "Pixel block size or blur sigma for redaction")
	runCmd.Flags().StringVar(&runOpts.Fill, "fill", "#000000", "Fill colour for the black redaction style")
	runCmd.Flags().IntSliceVar(&runOpts.Targets, "target", nil, "Session face ids to redact (default: all)")
	runCmd.Flags().Float64Var(&runOpts.Brightness, "brightness", 0, "Brightness change in [-1, 1]")
	runCmd.Flags().IntVar(&runOpts.DropEvery, "drop-every", 0, "Drop every nth frame (0 disables)")
	runCmd.Flags().BoolVar(&runOpts.OnlyFaces, "only-faces", false, "Drop frames without any tracked face")

	runCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(runCmd)
}

// validateRunFlags checks arguments before any process is started.
func validateRunFlags(opts *Options) error {
	if opts.InputPath == "" {
		return errors.New("input is required")
	}
	if opts.InputPath != "-" && !isURL(opts.InputPath) {
		info, err := os.Stat(opts.InputPath)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("input file does not exist: %w", err)
			}
			return fmt.Errorf("unable to access input file: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("input path %s is a directory, expected a video file", opts.InputPath)
		}
	}
	if opts.OutputPath == "" && opts.MetadataPath == "" && !opts.Record {
		return errors.New("nothing to do: set --output, --metadata or --record")
	}
	if opts.OutputPath != "" && opts.InputPath != "-" {
		inAbs, _ := filepath.Abs(opts.InputPath)
		outAbs, _ := filepath.Abs(opts.OutputPath)
		if inAbs == outAbs {
			return errors.New("input and output paths must be different to prevent file corruption")
		}
	}
	if opts.FPS < 0 {
		return fmt.Errorf("fps must be >= 0, got %g", opts.FPS)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	for name, d := range map[string]string{
		"deadline":       opts.DetectorDeadline,
		"stage-budget":   opts.StageBudget,
		"worker-timeout": opts.WorkerTimeout,
		"drain-timeout":  opts.DrainTimeout,
	} {
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid %s format (use '50ms', '2s'): %w", name, err)
		}
	}
	if d, _ := time.ParseDuration(opts.StageBudget); d <= 0 {
		return fmt.Errorf("stage-budget must be > 0, got %s", opts.StageBudget)
	}
	if opts.QueueCapacity < 1 {
		return fmt.Errorf("queue must be >= 1, got %d", opts.QueueCapacity)
	}
	if opts.GracePeriod < 0 {
		return fmt.Errorf("grace-period must be >= 0, got %d", opts.GracePeriod)
	}
	if opts.DropEvery == 1 || opts.DropEvery < 0 {
		return fmt.Errorf("drop-every must be 0 or >= 2, got %d", opts.DropEvery)
	}
	if opts.Brightness < -1 || opts.Brightness > 1 {
		return fmt.Errorf("brightness must be between -1 and 1, got %g", opts.Brightness)
	}
	if len(opts.Targets) > 0 && opts.RedactStyle == "" {
		return errors.New("--target needs --redact")
	}
	return nil
}

func isURL(s string) bool {
	for _, p := range []string{"rtsp://", "rtmp://", "http://", "https://", "udp://", "srt://"} {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// loadConfig builds the pipeline and worker configuration from the tuning
// file, then applies any flag the user set explicitly.
func loadConfig(opts Options, flags *pflag.FlagSet) (pipeline.Config, detector.PythonConfig, error) {
	tuning := &config.TuningConfig{}
	if opts.ConfigPath != "" {
		var err error
		if tuning, err = config.LoadTuningConfig(opts.ConfigPath); err != nil {
			return pipeline.Config{}, detector.PythonConfig{}, err
		}
	}
	pcfg := tuning.PipelineConfig()
	dcfg := tuning.DetectorConfig()

	set := func(name string) bool {
		// Without a tuning file the flag defaults win as well.
		return flags == nil || flags.Changed(name) || opts.ConfigPath == ""
	}
	if set("deadline") {
		pcfg.Annotator.Deadline, _ = time.ParseDuration(opts.DetectorDeadline)
	}
	if set("stage-budget") {
		pcfg.StageBudget, _ = time.ParseDuration(opts.StageBudget)
	}
	if set("queue") {
		pcfg.QueueCapacity = opts.QueueCapacity
	}
	if set("grace-period") {
		pcfg.Annotator.Tracker.GracePeriod = opts.GracePeriod
	}
	if set("engines") {
		dcfg.Workers = opts.Workers
	}
	if set("worker-timeout") {
		dcfg.ReadTimeout, _ = time.ParseDuration(opts.WorkerTimeout)
	}
	if dcfg.Workers > pcfg.Annotator.MaxInFlight {
		pcfg.Annotator.MaxInFlight = dcfg.Workers
	}
	if err := pcfg.Validate(); err != nil {
		return pipeline.Config{}, detector.PythonConfig{}, err
	}
	return pcfg, dcfg, nil
}

// buildStages installs the transforms in a fixed order: frame dropping
// first so that later stages do no wasted work.
func buildStages(opts Options) ([]chain.Stage, error) {
	var stages []chain.Stage
	if opts.DropEvery > 0 {
		s, err := transform.NewDropEvery(opts.DropEvery)
		if err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	if opts.OnlyFaces {
		stages = append(stages, transform.OnlyFaces{})
	}
	if opts.RedactStyle != "" {
		s, err := transform.NewRedact(transform.RedactOptions{
			Style:    opts.RedactStyle,
			Strength: opts.Strength,
			Fill:     opts.Fill,
			Padding:  0.1,
			Targets:  opts.Targets,
		})
		if err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	if opts.Brightness != 0 {
		s, err := transform.NewBrightness(opts.Brightness)
		if err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	return stages, nil
}

// runPipeline wires source, detector, stages and sinks together and runs
// them until the stream ends or the user interrupts.
func runPipeline(ctx context.Context, opts Options, flags *pflag.FlagSet) error {
	if err := validateRunFlags(&opts); err != nil {
		utils.ShowError("Invalid arguments", err, nil)
		return err
	}
	pcfg, dcfg, err := loadConfig(opts, flags)
	if err != nil {
		utils.ShowError("Invalid configuration", err, nil)
		return err
	}
	stages, err := buildStages(opts)
	if err != nil {
		utils.ShowError("Invalid transform", err, nil)
		return err
	}
	drainTimeout, _ := time.ParseDuration(opts.DrainTimeout)

	// Processes outlive an interrupt so that the drain can finish; runCtx
	// kills them once this function returns.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	// 1. Source
	var src source.Source
	var ffsrc *source.FFmpeg
	fps, total := opts.FPS, -1
	if opts.InputPath == "-" {
		src = source.NewMJPEG(os.Stdin, opts.FPS)
	} else {
		info, err := utils.ProbeVideo(ctx, opts.InputPath)
		if err != nil {
			utils.ShowError("Failed to probe input", err, nil)
			return err
		}
		fps = info.FPS
		if info.Frames > 0 {
			total = info.Frames
		}
		ffsrc = source.NewFFmpeg(opts.InputPath)
		src = ffsrc
	}

	// 2. Detector
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Mesh Workers...\n", dcfg.Workers)
	det, err := detector.NewPython(runCtx, dcfg)
	if err != nil {
		utils.ShowError("Worker startup failed", err, nil)
		return err
	}
	defer det.Close()

	// 3. Sinks
	var sinks []sink.Sink
	var enc *sink.Encoder
	if opts.OutputPath != "" {
		enc = sink.NewEncoder(runCtx, opts.OutputPath, fps)
		sinks = append(sinks, enc)
	}
	if opts.MetadataPath != "" {
		// Hide Close so the sink leaves stdout open.
		var w io.Writer = struct{ io.Writer }{os.Stdout}
		if opts.MetadataPath != "-" {
			f, err := os.Create(opts.MetadataPath)
			if err != nil {
				utils.ShowError("Failed to create metadata file", err, nil)
				return err
			}
			w = f
		}
		sinks = append(sinks, sink.NewJSONLines(w, opts.Meshes))
	}
	var session uuid.UUID
	if opts.Record {
		if err := connectDB(ctx); err != nil {
			utils.ShowError("Database unavailable", err, nil)
			return err
		}
		if session, err = DB.BeginSession(ctx, opts.InputPath, topology.Version); err != nil {
			utils.ShowError("Failed to register session", err, nil)
			return err
		}
		sinks = append(sinks, sink.NewRecorder(DB, session, 64, 5*time.Second))
	}

	ctrl, err := pipeline.New(src, det, stages, sink.NewMulti(sinks...), pcfg)
	if err != nil {
		utils.ShowError("Invalid pipeline", err, nil)
		return err
	}

	// 4. Start
	caps, err := ctrl.Start(runCtx)
	if err != nil {
		var capErr *source.CapabilityError
		if errors.As(err, &capErr) {
			utils.ShowError("Input cannot provide face mesh", err, nil)
		} else {
			utils.ShowError("Failed to start pipeline", err, commandOf(ffsrc))
		}
		return err
	}
	fmt.Fprintf(os.Stderr, "📼 Streaming %dx%d @ %.2f fps (topology %s)\n", caps.Width, caps.Height, caps.FPS, topology.Version)
	if opts.Record {
		fmt.Fprintf(os.Stderr, "🗄️  Recording session %s\n", session)
		if err := DB.SetFormat(ctx, session, caps.Width, caps.Height, caps.FPS); err != nil {
			utils.Logf("failed to record stream format: %v", err)
		}
	}

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🔍 Meshline Streaming"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	go watchEvents(ctrl.Events())
	go trackProgress(ctrl, bar)

	// 5. Graceful stop on interrupt
	select {
	case <-ctx.Done():
		fmt.Fprintf(os.Stderr, "\n🛑 Interrupted, draining queued frames (up to %s)...\n", drainTimeout)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), drainTimeout)
		if err := ctrl.Stop(stopCtx); errors.Is(err, context.DeadlineExceeded) {
			fmt.Fprintln(os.Stderr, "⚠️  Drain timed out, remaining frames were dropped")
		}
		stopCancel()
	case <-ctrl.Done():
	}
	runErr := ctrl.Wait()
	bar.Set64(int64(ctrl.Stats().Captured))
	bar.Finish()

	stats := ctrl.Stats()
	intervals := ctrl.Intervals()

	// 6. Persist what was tracked, even after a failure.
	if opts.Record {
		saveCtx, saveCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := DB.InsertIntervals(saveCtx, session, intervals); err != nil {
			utils.ShowError("Failed to persist face intervals", err, nil)
		}
		if err := DB.EndSession(saveCtx, session, stats.State.String(), stats.Delivered); err != nil {
			utils.ShowError("Failed to close session", err, nil)
		}
		saveCancel()
	}

	if runErr != nil {
		utils.ShowError("Pipeline failed", runErr, failedCommand(runErr, det, ffsrc, enc))
		return runErr
	}

	printSummary(stats, intervals, caps.FPS)
	return nil
}

// failedCommand picks the process whose stderr explains err.
func failedCommand(err error, det *detector.Python, src *source.FFmpeg, enc *sink.Encoder) *utils.SafeCommand {
	var detErr *annotator.DetectorError
	var srcErr *pipeline.SourceError
	var sinkErr *pipeline.SinkError
	switch {
	case errors.As(err, &detErr):
		return det.LastCommand()
	case errors.As(err, &srcErr):
		return commandOf(src)
	case errors.As(err, &sinkErr) && enc != nil:
		return enc.Command()
	}
	return nil
}

func commandOf(src *source.FFmpeg) *utils.SafeCommand {
	if src == nil {
		return nil
	}
	return src.Command()
}

// watchEvents reports the events a user would want to hear about.
func watchEvents(events <-chan types.Event) {
	for e := range events {
		switch e.Type {
		case types.EventStateChanged:
			utils.Logf("pipeline %s", e.State)
		case types.EventSinkDrop:
			utils.Logf("frame %d dropped: output is not keeping up", e.Sequence)
		}
	}
}

func trackProgress(ctrl *pipeline.Controller, bar *progressbar.ProgressBar) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctrl.Done():
			return
		case <-ticker.C:
			bar.Set64(int64(ctrl.Stats().Captured))
		}
	}
}

func printSummary(stats pipeline.Stats, intervals []types.FaceInterval, fps float64) {
	sort.Slice(intervals, func(i, j int) bool {
		if intervals[i].SessionFaceID != intervals[j].SessionFaceID {
			return intervals[i].SessionFaceID < intervals[j].SessionFaceID
		}
		return intervals[i].FirstSequence < intervals[j].FirstSequence
	})

	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 STREAM SUMMARY\n")
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	for _, iv := range intervals {
		fmt.Fprintf(os.Stderr, "👤 Face %d: %s -> %s (%d detections)\n",
			iv.SessionFaceID, fmtSequence(iv.FirstSequence, fps), fmtSequence(iv.LastSequence, fps), iv.Detections)
	}
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🎞️  Frames captured:   %d\n", stats.Captured)
	fmt.Fprintf(os.Stderr, "✅ Frames delivered:  %d\n", stats.Delivered)
	fmt.Fprintf(os.Stderr, "🗑️  Frames dropped:    %d queue, %d stage, %d sink\n", stats.QueueDrops, stats.StageDrops+stats.StageTimeouts, stats.SinkDrops)
	fmt.Fprintf(os.Stderr, "⏱️  Detector timeouts: %d (%d skipped, %d late)\n", stats.DetectorTimeouts, stats.DetectorSkipped, stats.LateResults)
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// fmtSequence renders a frame number as a timestamp when the rate is known.
func fmtSequence(seq uint64, fps float64) string {
	if fps <= 0 {
		return fmt.Sprintf("#%d", seq)
	}
	return fmtTime(float64(seq-1) / fps)
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
