package app

import (
	"github.com/spf13/cobra"

	"github.com/joshp123/stromer/plugins/stromer"
)

type bikeStatus struct {
	stromer.BikeIdentity
	Summary      string           `json:"summary,omitempty"`
	Capabilities stromer.Snapshot `json:"capabilities,omitempty"`
}

func newBikesCmd() *cobra.Command {
	var withStatus bool
	cmd := &cobra.Command{
		Use:   "bikes",
		Short: "List the bikes on the account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			_, cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			sess, err := openSession(cfg, logger)
			if err != nil {
				return err
			}
			if err := sess.resume(ctx); err != nil {
				return err
			}
			bikes, err := sess.client.Bikes(ctx)
			if err != nil {
				return err
			}

			rows := make([]bikeStatus, 0, len(bikes))
			for _, bike := range bikes {
				row := bikeStatus{BikeIdentity: bike}
				if withStatus {
					state, err := sess.client.State(ctx, bike.ID)
					if err != nil {
						return err
					}
					row.Capabilities = stromer.Merge(stromer.Snapshot{}, map[stromer.Source]stromer.Payload{stromer.SourceStatus: state})
					row.Summary = row.Capabilities.Summary(bike.Nickname)
				}
				rows = append(rows, row)
			}

			out := output()
			if out.json {
				return out.printJSON(rows)
			}
			table := [][]string{{"ID", "NICKNAME", "MODEL", "SERIAL", "STATUS"}}
			for _, row := range rows {
				table = append(table, []string{row.ID, row.Nickname, row.Model, row.Serial, row.Summary})
			}
			out.table(table)
			return nil
		},
	}
	cmd.Flags().BoolVar(&withStatus, "status", false, "Fetch the current state of every bike")
	return cmd
}
