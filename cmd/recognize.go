package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/types"
)

var (
	recognizeJSON      bool
	recognizeThreshold float64
)

var recognizeCmd = &cobra.Command{
	Use:   "recognize <image_path>",
	Short: "Identify the largest face in an image against the registered identities",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRecognize(cmd.Context(), args[0])
	},
}

func init() {
	recognizeCmd.Flags().Float64VarP(&recognizeThreshold, "threshold", "t", 0.45, "Cosine similarity floor for a match (overrides config)")
	recognizeCmd.Flags().BoolVar(&recognizeJSON, "json", false, "Print the result as JSON")
	rootCmd.AddCommand(recognizeCmd)
}

func runRecognize(ctx context.Context, imagePath string) error {
	img, err := loadImage(imagePath)
	if err != nil {
		return err
	}
	if err := requireEngine(); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	res, err := Engine.Recognize(ctx, img)
	if err != nil {
		showError("Recognition failed", err)
		return err
	}

	if recognizeJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	switch res.Status {
	case types.StatusRecognized:
		fmt.Printf("✅ %s (confidence %.3f)\n", res.Message, res.Confidence)
	case types.StatusUnrecognized:
		fmt.Printf("❌ %s (best score %.3f, threshold %.3f)\n", res.Message, res.Confidence, Engine.Threshold())
	default:
		fmt.Printf("⚠️  %s\n", res.Message)
	}
	return nil
}
