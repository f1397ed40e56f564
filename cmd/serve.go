package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/web"
)

var (
	serveAddr      string
	serveThreshold float64
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve recognition and registration over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		addr := Cfg.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}
		if !Engine.Available() {
			// Keep serving so health checks can report the failure
			showError("Face engine is not available, serving 503s", Engine.Err())
		}

		srv := web.NewServer(Engine, web.Options{
			Addr:     addr,
			FacesDir: Cfg.FacesDir(),
			Version:  Version,
		})
		fmt.Fprintf(os.Stderr, "🌐 Listening on %s\n", addr)
		if err := srv.Run(cmd.Context()); err != nil {
			showError("Web server failed", err)
			return err
		}
		fmt.Fprintln(os.Stderr, "👋 Server stopped.")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "Listen address (overrides config, default :8000)")
	serveCmd.Flags().Float64VarP(&serveThreshold, "threshold", "t", 0.45, "Cosine similarity floor for a match (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
