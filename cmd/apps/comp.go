package apps

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"kubegems.io/jobflow/pkg/comp"
	"kubegems.io/jobflow/pkg/utils/config"
	"kubegems.io/jobflow/pkg/version"
)

func NewCompCmd() *cobra.Command {
	options := comp.DefaultOptions()
	cmd := &cobra.Command{
		Use:          "comp",
		Short:        "run a compute worker that offers for and runs scheduled jobs",
		SilenceUsage: true,
		Version:      version.Get().String(),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Parse(cmd.Flags()); err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return comp.Run(ctx, options)
		},
	}
	cmd.AddCommand(newGenCfgCmd(func(fs *pflag.FlagSet) {
		comp.DefaultOptions().RegistFlags("", fs)
	}))
	options.RegistFlags("", cmd.Flags())
	return cmd
}
