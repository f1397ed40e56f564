package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/engine"
	"github.com/andresmejia3/facegate/internal/utils"
)

var labelCmd = &cobra.Command{
	Use:         "label <name> <new_name>",
	Short:       "Rename a registered identity (merges into new_name if it exists)",
	Args:        cobra.ExactArgs(2),
	Annotations: map[string]string{needs: needsStore},
	Run: func(cmd *cobra.Command, args []string) {
		runLabel(args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(name, newName string) {
	if err := Store.Rename(name, newName); err != nil {
		utils.Die("Failed to label identity", err, "")
	}
	engine.MoveReferences(Cfg.FacesDir(), name, newName)

	fmt.Printf("✅ Identity '%s' labeled as '%s'\n", name, newName)
}
