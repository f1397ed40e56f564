package cmd

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/cache"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/utils"
)

var (
	resetStore  bool
	resetCache  bool
	resetImages bool
	resetYes    bool
)

var resetCmd = &cobra.Command{
	Use:         "reset",
	Short:       "Reset system state (identity store, embedding cache, reference images)",
	Long:        "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Annotations: map[string]string{needs: needsConfig},
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetStore && !resetCache && !resetImages {
			resetStore = true
			resetCache = true
			resetImages = true
		}

		reader := bufio.NewReader(os.Stdin)
		ask := func(prompt string) bool {
			return resetYes || confirm(reader, prompt)
		}

		if resetStore {
			st, err := store.Open(Cfg.StorePath())
			switch {
			case err != nil:
				if ask(fmt.Sprintf("⚠️  The identity store is unreadable (%v). Delete it?", err)) {
					fmt.Println("🗑️  Removing Identity Store...")
					removeFile(Cfg.StorePath())
				}
			case ask(fmt.Sprintf("⚠️  Are you sure you want to delete all %d registered identities?", st.Count())):
				fmt.Println("🗑️  Clearing Identity Store...")
				if err := st.Reset(); err != nil {
					utils.Die("Failed to reset identity store", err, "")
				}
			}
		}

		if resetCache {
			if ask("⚠️  Are you sure you want to delete the embedding cache?") {
				fmt.Println("🗑️  Clearing Embedding Cache...")
				c, err := cache.Open(Cfg.CachePath())
				if err != nil {
					// A corrupt cache is exactly what reset is for
					removeFile(Cfg.CachePath())
				} else if err := c.Clear(); err != nil {
					utils.Die("Failed to clear embedding cache", err, "")
				}
			}
		}

		if resetImages {
			if ask("⚠️  Are you sure you want to delete all saved reference images?") {
				fmt.Println("🗑️  Clearing Reference Images...")
				removeDir(Cfg.FacesDir())
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetStore, "store", false, "Clear the identity store")
	resetCmd.Flags().BoolVar(&resetCache, "cache", false, "Clear the embedding cache")
	resetCmd.Flags().BoolVar(&resetImages, "images", false, "Clear saved reference images")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
