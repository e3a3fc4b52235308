package serve

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/malarialab/smearscan/internal/app"
	"github.com/malarialab/smearscan/internal/conf"
	"github.com/malarialab/smearscan/internal/logger"
)

// Command creates the serve command, which runs the analysis service until
// interrupted.
func Command(ctx *conf.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis queue and status API",
		Long:  `Start the job queue worker and the HTTP API that accepts analysis jobs and reports their status.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), ctx.Settings)
		},
	}

	cmd.Flags().String("listen", "", "HTTP listen address, e.g. :8080")
	if err := ctx.Viper.BindPFlag("webserver.listen", cmd.Flags().Lookup("listen")); err != nil {
		panic(fmt.Sprintf("error binding flag listen: %v", err))
	}
	return cmd
}

func run(parent context.Context, settings *conf.Settings) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.Global().Module("main")
	a, err := app.New(ctx, settings, log)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("error during close", logger.Error(err))
		}
	}()

	return a.Run(ctx)
}
