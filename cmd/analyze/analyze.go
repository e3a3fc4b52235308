package analyze

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/malarialab/smearscan/internal/analysis"
	"github.com/malarialab/smearscan/internal/app"
	"github.com/malarialab/smearscan/internal/conf"
	"github.com/malarialab/smearscan/internal/logger"
)

// Command creates the analyze command, which runs detection on a single
// image and prints the result as JSON.
func Command(ctx *conf.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze [image]",
		Short: "Analyze a single image",
		Long:  `Run parasite and white blood cell detection on one image without storing a diagnosis.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := ctx.Settings
			log := logger.Global().Module("analyze")

			adapter, client, err := app.NewDetector(settings, log, nil)
			if err != nil {
				return err
			}
			defer client.Close()

			analyzer := analysis.NewAnalyzer(adapter, nil, settings.Detector.Threshold, log, nil)
			result, err := analyzer.ProcessSingleImage(cmd.Context(), args[0], settings.Detector.Threshold)
			if err != nil {
				return fmt.Errorf("analysis failed: %w", err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	return cmd
}
