package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/malarialab/smearscan/cmd/analyze"
	"github.com/malarialab/smearscan/cmd/config"
	"github.com/malarialab/smearscan/cmd/serve"
	"github.com/malarialab/smearscan/internal/conf"
	"github.com/malarialab/smearscan/internal/errors"
	"github.com/malarialab/smearscan/internal/logger"
)

// RootCommand creates and returns the root command
func RootCommand(ctx *conf.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "smearscan",
		Short:         "Malaria blood smear analysis service",
		Version:       ctx.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := setupFlags(rootCmd, ctx); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		serve.Command(ctx),
		analyze.Command(ctx),
		config.Command(ctx),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return initialize(ctx)
	}

	return rootCmd
}

// initialize loads the configuration and sets up logging and telemetry.
func initialize(ctx *conf.Context) error {
	if err := ctx.Load(); err != nil {
		return err
	}
	settings := ctx.Settings

	logCfg := settings.Main.Log
	if settings.Debug {
		logCfg.DefaultLevel = "debug"
		if logCfg.Console != nil {
			console := *logCfg.Console
			console.Level = "debug"
			logCfg.Console = &console
		}
	}
	central, err := logger.NewCentralLogger(&logCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)

	if settings.Sentry.Enabled {
		if err := errors.InitSentry(settings.Sentry.DSN, settings.Sentry.Environment, ctx.Version); err != nil {
			central.Module("main").Warn("sentry disabled", logger.Error(err))
		}
	}
	return nil
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, ctx *conf.Context) error {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ctx.ConfigFile, "config", "c", "", "Path to config.yaml")
	flags.BoolP("debug", "d", false, "Enable debug output")
	flags.Float64P("threshold", "t", conf.DefaultThreshold, "Minimum detection confidence, value between 0.0 and 1.0")
	flags.String("inference-url", "", "Base URL of the inference service")

	bindings := map[string]string{
		"debug":                 "debug",
		"detector.threshold":    "threshold",
		"detector.inferenceurl": "inference-url",
	}
	for key, flag := range bindings {
		if err := ctx.Viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}
