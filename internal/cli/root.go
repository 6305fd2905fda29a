package cli

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"image-optimizer/internal/logging"
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "image-optimizer",
		Short: "Resumable image optimization for a media library",
		Long: `image-optimizer compresses the images of a media library with local tools
or a remote optimization API, keeping a ledger so that every file is
processed once and every run can be resumed.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
			logging.Configure()
		},
	}

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML configuration file")

	cmd.AddCommand(
		newStartCmd(&configFile),
		newTickCmd(&configFile),
		newRunCmd(&configFile),
		newResetCmd(&configFile),
		newStatusCmd(&configFile),
		newOptimizeCmd(&configFile),
		newIndexCmd(&configFile),
		newImportCmd(&configFile),
		newDedupeCmd(&configFile),
		newServeCmd(&configFile),
	)

	return cmd
}
