package apps

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"kubegems.io/jobflow/pkg/server"
	"kubegems.io/jobflow/pkg/utils/config"
	"kubegems.io/jobflow/pkg/version"
)

func NewSchedulerCmd() *cobra.Command {
	options := server.DefaultOptions()
	cmd := &cobra.Command{
		Use:          "scheduler",
		Short:        "run the job scheduler and workflow orchestrator",
		SilenceUsage: true,
		Version:      version.Get().String(),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Parse(cmd.Flags()); err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return server.Run(ctx, options)
		},
	}
	cmd.AddCommand(newGenCfgCmd(func(fs *pflag.FlagSet) {
		server.DefaultOptions().RegistFlags(fs)
	}))
	options.RegistFlags(cmd.Flags())
	return cmd
}

// newGenCfgCmd prints the defaults of the flags regist adds as a config file.
func newGenCfgCmd(regist func(fs *pflag.FlagSet)) *cobra.Command {
	return &cobra.Command{
		Use:   "gencfg",
		Short: "generate config template",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fs := pflag.NewFlagSet("gencfg", pflag.ContinueOnError)
			regist(fs)
			return config.GenerateConfig(cmd.OutOrStdout(), fs)
		},
	}
}
