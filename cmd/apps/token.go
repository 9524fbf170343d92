package apps

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"kubegems.io/jobflow/pkg/msgbus"
	"kubegems.io/jobflow/pkg/utils/jwt"
)

func NewTokenCmd() *cobra.Command {
	options := jwt.DefaultOptions()
	subject := "comp"
	roles := []string{msgbus.RoleComp}
	cmd := &cobra.Command{
		Use:          "token",
		Short:        "sign a bearer token for the topic connections",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			signer, err := options.ToJWT()
			if err != nil {
				return err
			}
			token, expire, err := signer.GenerateToken(subject, roles, options.Expire)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", time.Unix(expire, 0).Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", subject, "token subject")
	cmd.Flags().StringSliceVar(&roles, "roles", roles, "roles granted, comp or scheduler")
	options.RegistFlags("jwt", cmd.Flags())
	return cmd
}
