package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/plot/vg"

	imagelabeler "github.com/svapp/image-labeler"
	"github.com/svapp/image-labeler/internal/config"
	"github.com/svapp/image-labeler/internal/utils"
	"github.com/svapp/image-labeler/pkg/cropper"
	"github.com/svapp/image-labeler/pkg/dataset"
	"github.com/svapp/image-labeler/pkg/detection"
	"github.com/svapp/image-labeler/pkg/labels"
	"github.com/svapp/image-labeler/pkg/mnist"
	"github.com/svapp/image-labeler/pkg/processing"
	"github.com/svapp/image-labeler/pkg/stats"
	"github.com/svapp/image-labeler/pkg/types"
)

const usage = `usage: %s [-config file] [-v] <command> [flags]

commands:
  classes    list, set or clear the classes of a folder
  label      assign a class to an image
  autolabel  derive classes and labels from file names
  export     write a pairText or CSV dataset
  crop       crop images with a fixed, detected or suggested box
  stats      show the class distribution of labels or an export
  mnist      sample MNIST or Fashion-MNIST into CSV files
  suggest    ask a vision model for the class of images
  config     write the effective configuration to a file
`

func main() {
	var cfgPath string
	var verbose bool

	flag.StringVar(&cfgPath, "config", "", "configuration file (json or yaml)")
	flag.BoolVar(&verbose, "v", false, "verbose logging")
	flag.Usage = func() { fmt.Fprintf(os.Stderr, usage, filepath.Base(os.Args[0])) }
	flag.Parse()

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zlog.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "classes":
		err = runClasses(cfg, args)
	case "label":
		err = runLabel(cfg, args)
	case "autolabel":
		err = runAutoLabel(cfg, args)
	case "export":
		err = runExport(ctx, cfg, args)
	case "crop":
		err = runCrop(ctx, cfg, args)
	case "stats":
		err = runStats(cfg, args)
	case "mnist":
		err = runMNIST(ctx, args)
	case "suggest":
		err = runSuggest(ctx, cfg, args)
	case "config":
		err = runConfig(cfg, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if p := config.GetConfigPath(); utils.FileExists(p) {
			path = p
		}
	}
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// runConfig writes cfg to the given path, or to the user config location.
func runConfig(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	force := fs.Bool("force", false, "overwrite an existing file")
	fs.Parse(args)

	path := config.GetConfigPath()
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	if utils.FileExists(path) && !*force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", path)
	}
	if err := cfg.SaveToFile(path); err != nil {
		return err
	}
	fmt.Printf("configuration written to %s\n", path)
	return nil
}

func openWorkspace(cfg *config.Config, dir string) (*imagelabeler.Workspace, error) {
	ws, err := imagelabeler.Open(dir, imagelabeler.WithConfig(cfg))
	if err != nil {
		return nil, err
	}
	if err := ws.LabelsError(); err != nil {
		log.Printf("warning: %v (starting with no labels)", err)
	}
	return ws, nil
}

func runClasses(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("classes", flag.ExitOnError)
	dir := fs.String("dir", ".", "image folder")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: classes [-dir D] list | set name[=#rrggbb]... | clear")
	}
	fs.Parse(args)

	ws, err := openWorkspace(cfg, *dir)
	if err != nil {
		return err
	}

	switch fs.Arg(0) {
	case "", "list":
	case "set":
		specs := make([]types.ClassSpec, 0, fs.NArg()-1)
		for _, a := range fs.Args()[1:] {
			name, hex, _ := strings.Cut(a, "=")
			specs = append(specs, types.ClassSpec{Name: name, Color: hex})
		}
		if err := ws.SetClasses(specs); err != nil {
			return err
		}
	case "clear":
		if err := ws.ClearClasses(); err != nil {
			return err
		}
	default:
		fs.Usage()
		os.Exit(2)
	}

	for _, e := range ws.Registry().Entries() {
		fmt.Printf("%3d  %s  %s\n", e.Index, e.Color, e.Name)
	}
	return nil
}

func runLabel(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("label", flag.ExitOnError)
	dir := fs.String("dir", ".", "image folder")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: label [-dir D] <file> <class>")
	}

	ws, err := openWorkspace(cfg, *dir)
	if err != nil {
		return err
	}
	file, class := filepath.ToSlash(fs.Arg(0)), fs.Arg(1)
	if _, ok := ws.Registry().ByName(class); !ok {
		return fmt.Errorf("%w: %q", types.ErrClassUnresolved, class)
	}
	if err := ws.SetLabel(file, class); err != nil {
		return err
	}
	fmt.Printf("%s -> %s (%s)\n", file, class, ws.ColorFor(file))
	return nil
}

func runAutoLabel(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("autolabel", flag.ExitOnError)
	dir := fs.String("dir", ".", "image folder")
	pattern := fs.String("pattern", "label_first", "file name pattern: label_first (<label>_<n>) or number_first (<n>_<label>)")
	fs.Parse(args)

	var p labels.NamePattern
	switch *pattern {
	case "label_first":
		p = labels.LabelFirst
	case "number_first":
		p = labels.NumberFirst
	default:
		return fmt.Errorf("unknown pattern %q", *pattern)
	}

	ws, err := openWorkspace(cfg, *dir)
	if err != nil {
		return err
	}
	n, err := ws.AutoLabel(p)
	if err != nil {
		return err
	}
	log.Printf("labeled %d files into %d classes", n, ws.Registry().Len())
	return nil
}

func runExport(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dir := fs.String("dir", ".", "image folder")
	width := fs.Int("w", cfg.Export.Width, "export width")
	height := fs.Int("h", cfg.Export.Height, "export height")
	format := fs.String("format", cfg.Export.Format, "output format: txt (pairs) or csv (table)")
	outDir := fs.String("out", cfg.Export.OutputDir, "output directory")
	name := fs.String("name", cfg.Export.OutputName, "output name prefix")
	subs := fs.String("sub", "", "comma-separated first-level subfolders to include")
	quiet := fs.Bool("q", false, "no progress bar")
	fs.Parse(args)

	f, err := dataset.ParseFormat(*format)
	if err != nil {
		return err
	}
	ws, err := openWorkspace(cfg, *dir)
	if err != nil {
		return err
	}

	opts := ws.ExportOptions()
	opts.Resolution = types.Resolution{Width: *width, Height: *height}
	opts.Format = f
	opts.OutputDir = *outDir
	opts.OutputName = *name
	if *subs != "" {
		opts.Subfolders = make(map[string]bool)
		for _, s := range strings.Split(*subs, ",") {
			opts.Subfolders[strings.TrimSpace(s)] = true
		}
	}

	var bar *progressbar.ProgressBar
	var exporterOpts []dataset.Option
	if !*quiet {
		exporterOpts = append(exporterOpts, dataset.WithProgress(func(done, total int) {
			if bar == nil {
				bar = progressbar.Default(int64(total), "exporting")
			}
			_ = bar.Set(done)
		}))
	}

	res, err := ws.Export(ctx, opts, exporterOpts...)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	size := "?"
	if st, statErr := os.Stat(res.Path); statErr == nil {
		size = humanize.Bytes(uint64(st.Size()))
	}
	log.Printf("wrote %s (%s): %d rows, %d skipped, %d failed of %d files",
		res.Path, size, res.Rows, res.Skipped, res.Failed, res.Scanned)
	return err
}

func parseBox(s string) (types.SelectionBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return types.SelectionBox{}, fmt.Errorf("box must be x0,y0,x1,y1")
	}
	var box types.SelectionBox
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return types.SelectionBox{}, fmt.Errorf("box: %w", err)
		}
		box[i] = v
	}
	return box, nil
}

func runCrop(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("crop", flag.ExitOnError)
	dir := fs.String("dir", ".", "image folder")
	boxFlag := fs.String("box", "", "selection x0,y0,x1,y1 in preview coordinates")
	auto := fs.Bool("auto", false, "select the most salient region")
	suggest := fs.Bool("suggest", false, "select the subject box proposed by the vision model")
	inPlace := fs.Bool("inplace", !cfg.Crop.SaveAsCopy, "overwrite sources instead of writing copies")
	overlay := fs.String("overlay", "", "directory for selection overlay images")
	fs.Parse(args)

	modes := 0
	for _, on := range []bool{*boxFlag != "", *auto, *suggest} {
		if on {
			modes++
		}
	}
	if modes != 1 {
		return fmt.Errorf("exactly one of -box, -auto or -suggest is required")
	}

	var box types.SelectionBox
	if *boxFlag != "" {
		var err error
		if box, err = parseBox(*boxFlag); err != nil {
			return err
		}
	}

	cfg.Crop.SaveAsCopy = !*inPlace
	ws, err := openWorkspace(cfg, *dir)
	if err != nil {
		return err
	}

	var det *detection.Detector
	if *suggest {
		if det, err = newDetector(cfg); err != nil {
			return err
		}
	}

	session, err := ws.NewCropSession()
	if err != nil {
		return err
	}
	if err := session.Start(); err != nil {
		return err
	}

	proc := processing.NewProcessor()
	for session.State() != cropper.Done {
		if ctx.Err() != nil {
			session.Abort()
			break
		}
		path := session.Current()

		switch {
		case *auto:
			_, err = session.AutoSelect()
		case *suggest:
			var s detection.Suggestion
			var ok bool
			s, ok, err = det.Suggest(ctx, session.Source(), ws.Registry())
			if err == nil && !ok {
				err = fmt.Errorf("model suggested no class")
			}
			if err == nil {
				err = session.SelectNormalized(s.Box)
			}
		default:
			err = session.Select(box)
		}
		if err != nil {
			log.Printf("skip %s: %v", path, err)
			if err := session.Skip(); err != nil {
				return err
			}
			continue
		}

		if *overlay != "" {
			if err := writeOverlay(proc, session, *overlay, cfg.Crop.Quality); err != nil {
				log.Printf("overlay %s: %v", path, err)
			}
		}

		res, err := session.Commit()
		if err != nil {
			log.Printf("skip %s: %v", path, err)
			if err := session.Skip(); err != nil {
				return err
			}
			continue
		}
		log.Printf("wrote %s (%dx%d)", res.Output, res.Width, res.Height)
	}

	log.Printf("%d cropped, %d unreadable", len(session.Results()), len(session.Skipped()))
	return nil
}

func writeOverlay(proc *processing.Processor, s *cropper.Session, dir string, quality int) error {
	if err := utils.EnsureDir(dir); err != nil {
		return err
	}
	img := proc.Outline(s.Source(), s.SourceRect(), color.NRGBA{R: 255, A: 255})
	out := utils.GenerateOutputFilename(s.Current(), dir, "", "_selection", "png")
	return proc.SaveImage(img, out, quality)
}

func runStats(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	dir := fs.String("dir", ".", "image folder whose labels and classes are used")
	file := fs.String("file", "", "pairText or CSV export to read instead of the label file")
	top := fs.Int("top", 5, "number of most and least frequent classes to show")
	chart := fs.String("chart", "", "write a bar chart to this file (png, svg or pdf)")
	fs.Parse(args)

	ws, err := openWorkspace(cfg, *dir)
	if err != nil {
		return err
	}

	d := ws.Stats()
	if *file != "" {
		if d, err = stats.Load(*file, ws.Registry()); err != nil {
			return err
		}
	}
	if d.Empty() {
		fmt.Println("no samples")
		return nil
	}

	fmt.Printf("%d samples in %d classes\n", d.Total(), len(d.Counts))
	fmt.Printf("\nmost frequent:\n")
	for _, c := range d.Top(*top) {
		fmt.Printf("  %-20s %6d  %5.1f%%\n", c.Class, c.Count, 100*d.Share(c))
	}
	fmt.Printf("\nleast frequent:\n")
	for _, c := range d.Bottom(*top) {
		fmt.Printf("  %-20s %6d  %5.1f%%\n", c.Class, c.Count, 100*d.Share(c))
	}

	if *chart != "" {
		if err := stats.SaveChart(d, *chart, 10*vg.Inch, 5*vg.Inch); err != nil {
			return err
		}
		log.Printf("wrote %s", *chart)
	}
	return nil
}

func runMNIST(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mnist", flag.ExitOnError)
	kind := fs.String("kind", "digits", "digits or fashion")
	train := fs.Int("train", 1000, "train rows to sample")
	test := fs.Int("test", 200, "test rows to sample")
	outDir := fs.String("out", "out", "output directory")
	cacheDir := fs.String("cache", filepath.Join(os.TempDir(), "image-labeler-mnist"), "download cache")
	fs.Parse(args)

	k, err := mnist.ParseKind(*kind)
	if err != nil {
		return err
	}
	loader := mnist.NewLoader(k, *cacheDir, mnist.WithProgressBar(true))
	trainPath, testPath, err := loader.Export(ctx, *outDir, *train, *test)
	if err != nil {
		return err
	}
	for _, p := range []string{trainPath, testPath} {
		if st, err := os.Stat(p); err == nil {
			log.Printf("wrote %s (%s)", p, humanize.Bytes(uint64(st.Size())))
		}
	}
	return nil
}

func newDetector(cfg *config.Config) (*detection.Detector, error) {
	c, err := detection.NewClient(cfg.Suggest.Backend, cfg.Suggest.URL)
	if err != nil {
		return nil, err
	}
	return detection.NewDetector(c, cfg.Suggest.Model,
		detection.WithSendSize(cfg.Suggest.SendSize),
		detection.WithQuality(cfg.Suggest.SendQ)), nil
}

func runSuggest(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("suggest", flag.ExitOnError)
	dir := fs.String("dir", ".", "image folder")
	apply := fs.Bool("apply", false, "store the suggested classes as labels")
	backend := fs.String("backend", cfg.Suggest.Backend, "vision backend: ollama or llamacpp")
	url := fs.String("url", cfg.Suggest.URL, "backend server URL")
	model := fs.String("model", cfg.Suggest.Model, "model name")
	fs.Parse(args)

	cfg.Suggest.Backend, cfg.Suggest.URL, cfg.Suggest.Model = *backend, *url, *model
	det, err := newDetector(cfg)
	if err != nil {
		return err
	}
	ws, err := openWorkspace(cfg, *dir)
	if err != nil {
		return err
	}
	if ws.Registry().Len() == 0 {
		return fmt.Errorf("no classes defined")
	}

	files := fs.Args()
	if len(files) == 0 {
		items, err := ws.Gallery(nil)
		if err != nil {
			return err
		}
		for _, it := range items {
			if !it.Labeled {
				files = append(files, it.File)
			}
		}
	}

	for _, f := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f = filepath.ToSlash(f)
		s, ok, err := ws.Suggest(ctx, det, f)
		if err != nil {
			log.Printf("%s: %v", f, err)
			continue
		}
		if !ok {
			fmt.Printf("%s: no suggestion\n", f)
			continue
		}
		fmt.Printf("%s: %s (%.2f) box=%.2f,%.2f %.2fx%.2f\n",
			f, s.Class.Name, s.Confidence, s.Box.X, s.Box.Y, s.Box.W, s.Box.H)
		if *apply {
			if err := ws.SetLabel(f, s.Class.Name); err != nil {
				return err
			}
		}
	}
	return nil
}
