// Package main is the operator console for executing seed-treatment orders.
package main

import (
	"fmt"
	"os"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/stdlogfmt"
	"github.com/spf13/cobra"
)

// overridden by -ldflags -X
var version = "unknown"

// rootOptions holds global flags for all commands.
type rootOptions struct {
	configPath string
	debug      bool

	// overrides of the config file
	authorityURL string
	apiKey       string
	operatorID   string
	operatorName string
	stateDir     string
	captureDir   string
	device       string

	cfg    *Config
	logger log.Logger
}

// override applies the flags set on cmd over the config file.
func (o *rootOptions) override(cmd *cobra.Command) {
	flags := cmd.Flags()
	for name, set := range map[string]func(){
		"authority":     func() { o.cfg.AuthorityURL = o.authorityURL },
		"api-key":       func() { o.cfg.APIKey = o.apiKey },
		"operator":      func() { o.cfg.OperatorID = o.operatorID },
		"operator-name": func() { o.cfg.OperatorName = o.operatorName },
		"state-dir":     func() { o.cfg.StateDir = o.stateDir },
		"capture-dir":   func() { o.cfg.CaptureDir = o.captureDir },
		"device":        func() { o.cfg.Device = o.device },
	} {
		if flags.Changed(name) {
			set()
		}
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "treatctl",
		Short:         "Seed-treatment execution console",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			opts.cfg, err = loadConfig(opts.configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			opts.override(cmd)
			opts.logger = stdlogfmt.New(stdlogfmt.WithDebugFlag(opts.debug))
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", defaultConfig, "path to YAML config file")
	flags.BoolVar(&opts.debug, "debug", false, "log debug messages")
	flags.StringVar(&opts.authorityURL, "authority", "", "authority base URL")
	flags.StringVar(&opts.apiKey, "api-key", "", "authority API key")
	flags.StringVar(&opts.operatorID, "operator", "", "operator ID")
	flags.StringVar(&opts.operatorName, "operator-name", "", "operator display name")
	flags.StringVar(&opts.stateDir, "state-dir", "", "local state directory")
	flags.StringVar(&opts.captureDir, "capture-dir", "", "capture device directory")
	flags.StringVar(&opts.device, "device", "", "capture device ID")

	cmd.AddCommand(newOrdersCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newResumeCommand(opts))
	cmd.AddCommand(newAbandonCommand(opts))
	cmd.AddCommand(newQueueCommand(opts))

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
