package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var registerReplace bool

var registerCmd = &cobra.Command{
	Use:   "register <image_path> <name>",
	Short: "Register the single face in an image under a name",
	Long: "Embeds the one face in the image and stores it under the given name. " +
		"Registering an existing name adds another reference; --replace drops the old ones.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRegister(cmd.Context(), args[0], args[1])
	},
}

func init() {
	registerCmd.Flags().BoolVarP(&registerReplace, "replace", "r", false, "Replace the identity's existing references")
	rootCmd.AddCommand(registerCmd)
}

func runRegister(ctx context.Context, imagePath, name string) error {
	img, err := loadImage(imagePath)
	if err != nil {
		return err
	}
	if err := requireEngine(); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "🧬 Embedding face...")
	res, err := Engine.Register(ctx, img, name, registerReplace)
	if err != nil {
		showError("Registration failed", err)
		return err
	}
	if !res.Success {
		fmt.Printf("❌ %s\n", res.Message)
		return errors.New(res.Message)
	}

	count, _ := Engine.Count()
	fmt.Printf("✅ %s (%d identities registered)\n", res.Message, count)
	return nil
}
