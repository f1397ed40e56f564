package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/utils"
)

var removeKeepImages bool

var removeCmd = &cobra.Command{
	Use:         "remove <name>",
	Short:       "Delete a registered identity",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{needs: needsStore},
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]
		if err := Store.Remove(name); err != nil {
			utils.Die("Failed to remove identity", err, "")
		}
		if !removeKeepImages {
			removeDir(filepath.Join(Cfg.FacesDir(), name))
		}
		fmt.Printf("🗑️  Identity '%s' removed (%d remaining)\n", name, Store.Count())
	},
}

func init() {
	removeCmd.Flags().BoolVar(&removeKeepImages, "keep-images", false, "Keep the identity's reference images on disk")
	rootCmd.AddCommand(removeCmd)
}
