// Command magic-mount composes enabled modules under a module root onto the
// live partition trees, preferring OverlayFS and falling back to magic mount
// per partition as needed.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/magicmount/magicmount/compose"
	"github.com/magicmount/magicmount/pkg/rootdir"
)

var (
	moduleRoot   string
	rootOverride string
	logLevel     string
)

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "magic-mount",
		Short: "Compose module overlays onto live partition trees",
		RunE:  run,
	}

	flags := cmd.Flags()
	flags.StringVar(&moduleRoot, "module-root", "/data/adb/modules", "directory containing module subdirectories")
	flags.StringVar(&rootOverride, "root", "/", "root prefix to treat as the live filesystem (for testing)")
	flags.StringVar(&logLevel, "log-level", "info", "logrus level: trace, debug, info, warn, error")

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("magic-mount: parse --log-level: %w", err)
	}
	logrus.SetLevel(level)

	rootdir.SetRootDir(rootOverride)

	report, err := compose.Compose(moduleRoot)
	if err != nil {
		return fmt.Errorf("magic-mount: %w", err)
	}

	for _, p := range report.OverlaySucceeded {
		logrus.WithField("partition", p).Info("composed via overlayfs")
	}
	for _, p := range report.MagicMountFallback {
		logrus.WithField("partition", p).Info("composed via magic-mount fallback")
	}
	return nil
}
