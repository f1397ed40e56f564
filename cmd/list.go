package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/types"
)

var listCmd = &cobra.Command{
	Use:         "list",
	Short:       "List all registered identities",
	Annotations: map[string]string{needs: needsStore},
	Run: func(cmd *cobra.Command, args []string) {
		runList(os.Stdout, Store.Snapshot())
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(out io.Writer, snap *store.Snapshot) {
	if snap.Len() == 0 {
		fmt.Fprintln(out, "No identities registered.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tREFERENCES")
	fmt.Fprintln(w, "----\t----------")

	snap.Each(func(name string, refs []types.Embedding) {
		fmt.Fprintf(w, "%s\t%d\n", name, len(refs))
	})
	w.Flush()
	fmt.Fprintf(out, "\n%d identities, %d-dimensional embeddings\n", snap.Len(), snap.Dim)
}
