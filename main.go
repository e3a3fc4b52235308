package main

import (
	"context"
	"fmt"
	"os"

	"github.com/malarialab/smearscan/cmd"
	"github.com/malarialab/smearscan/internal/conf"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx := conf.NewContext(version)
	rootCmd := cmd.RootCommand(ctx)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
