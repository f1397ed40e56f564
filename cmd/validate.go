package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/google/renameio"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/cache"
	"github.com/andresmejia3/facegate/internal/engine"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/andresmejia3/facegate/internal/validate"
)

// ValidateOptions holds the flags of the validate command.
type ValidateOptions struct {
	TrainDir  string
	TestDir   string
	Output    string
	Workers   int
	Threshold float64
	NoCache   bool
	Sweep     bool
	SweepFrom float64
	SweepTo   float64
	SweepStep float64
}

var validateOpts ValidateOptions

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Measure recognition accuracy on a labelled train/test split",
	Long: "Embeds every reference image in --train, matches every probe in --test and reports " +
		"accuracy, weighted F1 and a confusion matrix. Files are named <n>_<label>_<n>.jpg.",
	Annotations: map[string]string{needs: needsConfig},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validateValidateFlags(cmd, &validateOpts); err != nil {
			showError("Invalid arguments", err)
			return err
		}
		return runValidate(cmd.Context(), validateOpts)
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateOpts.TrainDir, "train", "", "Directory of reference images (default: validate.train_dir)")
	validateCmd.Flags().StringVar(&validateOpts.TestDir, "test", "", "Directory of probe images (default: validate.test_dir)")
	validateCmd.Flags().StringVarP(&validateOpts.Output, "output", "o", "", "Write the confusion matrix as CSV to this file")
	validateCmd.Flags().IntVarP(&validateOpts.Workers, "workers", "w", 4, "Number of files embedded in parallel")
	validateCmd.Flags().Float64VarP(&validateOpts.Threshold, "threshold", "t", 0.45, "Cosine similarity floor for a match (overrides config)")
	validateCmd.Flags().BoolVar(&validateOpts.NoCache, "no-cache", false, "Ignore and do not update the embedding cache")
	validateCmd.Flags().BoolVar(&validateOpts.Sweep, "sweep", false, "Also report accuracy and F1 across a threshold range")
	validateCmd.Flags().Float64Var(&validateOpts.SweepFrom, "sweep-from", 0.2, "First threshold of the sweep")
	validateCmd.Flags().Float64Var(&validateOpts.SweepTo, "sweep-to", 0.8, "Last threshold of the sweep")
	validateCmd.Flags().Float64Var(&validateOpts.SweepStep, "sweep-step", 0.05, "Sweep increment")
	rootCmd.AddCommand(validateCmd)
}

// validateValidateFlags fills defaults from config and checks the dataset paths.
func validateValidateFlags(cmd *cobra.Command, opts *ValidateOptions) error {
	if opts.TrainDir == "" {
		opts.TrainDir = Cfg.Validation.TrainDir
	}
	if opts.TestDir == "" {
		opts.TestDir = Cfg.Validation.TestDir
	}
	if opts.Output == "" {
		opts.Output = Cfg.Validation.Output
	}
	if !cmd.Flags().Changed("threshold") {
		opts.Threshold = Cfg.Threshold
	}

	for _, d := range []struct{ flag, path string }{{"train", opts.TrainDir}, {"test", opts.TestDir}} {
		if d.path == "" {
			return fmt.Errorf("--%s is required", d.flag)
		}
		info, err := os.Stat(d.path)
		if err != nil {
			return fmt.Errorf("--%s: %w", d.flag, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("--%s: %s is not a directory", d.flag, d.path)
		}
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Threshold < -1 || opts.Threshold > 1 {
		return fmt.Errorf("threshold must be between -1.0 and 1.0, got %f", opts.Threshold)
	}
	return nil
}

func runValidate(ctx context.Context, opts ValidateOptions) error {
	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	comps, err := engine.BuildComponents(Cfg)
	if err != nil {
		showError("Failed to start face models", err)
		return err
	}
	defer comps.Close()

	runner := &validate.Runner{
		Detector: comps.Detector,
		Embedder: comps.Embedder,
		Opts: validate.Options{
			Padding:  Cfg.Embedder.Padding,
			CropSize: Cfg.Embedder.CropSize,
			Workers:  opts.Workers,
		},
		Progress: newStageBar,
	}
	if !opts.NoCache {
		c, err := cache.Open(Cfg.CachePath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Ignoring unreadable embedding cache: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "🗄️  Embedding cache: %d entries\n", c.Len())
			runner.Cache = c
		}
	}

	res, err := runner.Run(ctx, opts.TrainDir, opts.TestDir)
	if err != nil {
		var logs string
		if comps.Pool != nil {
			logs = comps.Pool.Stderr()
		}
		utils.ShowError("Validation failed", err, logs)
		return err
	}

	report, err := res.Report(opts.Threshold)
	if err != nil {
		showError("Failed to score predictions", err)
		return err
	}
	printReport(os.Stdout, res, report, opts.Threshold)

	if opts.Sweep {
		points, err := res.Sweep(opts.SweepFrom, opts.SweepTo, opts.SweepStep)
		if err != nil {
			showError("Invalid sweep range", err)
			return err
		}
		printSweep(os.Stdout, points)
	}

	if opts.Output != "" {
		if err := writeMatrix(opts.Output, report); err != nil {
			showError("Failed to write confusion matrix", err)
			return err
		}
		fmt.Fprintf(os.Stderr, "💾 Confusion matrix written to %s\n", opts.Output)
	}
	return nil
}

// newStageBar shows one progress bar per validation stage.
func newStageBar(stage string, total int) func() {
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🔍 "+stage),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)
	return func() { bar.Add(1) }
}

func printReport(out io.Writer, res *validate.Result, r validate.Report, threshold float64) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nMETRIC\tVALUE")
	fmt.Fprintln(w, "------\t-----")
	fmt.Fprintf(w, "Threshold\t%.3f\n", threshold)
	fmt.Fprintf(w, "Reference images\t%d\n", res.References)
	fmt.Fprintf(w, "Identities\t%d\n", res.Identities)
	fmt.Fprintf(w, "Test samples\t%d\n", r.Total)
	fmt.Fprintf(w, "Skipped probes\t%d\n", res.Skipped)
	fmt.Fprintf(w, "Accuracy\t%.4f\n", r.Accuracy)
	fmt.Fprintf(w, "Weighted F1\t%.4f\n", r.WeightedF1)
	fmt.Fprintf(w, "Elapsed\t%s\n", res.Elapsed.Round(time.Millisecond))
	w.Flush()

	if len(r.Classes) == 0 {
		return
	}
	w = tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nLABEL\tPRECISION\tRECALL\tF1\tSUPPORT")
	fmt.Fprintln(w, "-----\t---------\t------\t--\t-------")
	for _, c := range r.Classes {
		fmt.Fprintf(w, "%s\t%.3f\t%.3f\t%.3f\t%d\n", c.Label, c.Precision, c.Recall, c.F1, c.Support)
	}
	w.Flush()
}

func printSweep(out io.Writer, points []validate.SweepPoint) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nTHRESHOLD\tACCURACY\tWEIGHTED F1")
	fmt.Fprintln(w, "---------\t--------\t-----------")
	for _, p := range points {
		fmt.Fprintf(w, "%.3f\t%.4f\t%.4f\n", p.Threshold, p.Accuracy, p.WeightedF1)
	}
	w.Flush()
}

func writeMatrix(path string, r validate.Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer f.Cleanup()
	if err := r.WriteCSV(f); err != nil {
		return err
	}
	return f.CloseAtomicallyReplace()
}
