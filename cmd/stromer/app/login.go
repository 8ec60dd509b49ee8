package app

import (
	"github.com/spf13/cobra"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in with the configured account and persist the credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			sess, err := openSession(cfg, logger)
			if err != nil {
				return err
			}
			if err := sess.login(cmd.Context(), cfg.Account); err != nil {
				return err
			}
			creds, _ := sess.store.Get()
			out := output()
			if out.json {
				return out.printJSON(map[string]any{
					"generation": creds.Generation,
					"expires_at": creds.ExpiresAt,
					"state_file": cfg.State.File,
				})
			}
			out.table([][]string{
				{"generation", string(creds.Generation)},
				{"expires_at", creds.ExpiresAt.Format("2006-01-02 15:04:05 MST")},
				{"state_file", cfg.State.File},
			})
			return nil
		},
	}
}
