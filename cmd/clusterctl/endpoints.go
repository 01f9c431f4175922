package main

import (
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Icinga/icinga2-sub010/internal/cluster/httpapi"
	"github.com/Icinga/icinga2-sub010/pkg/table"
)

func newEndpointsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "endpoints",
		Short: "list cluster endpoints and their connection state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var views []httpapi.EndpointView
			if err := fetchJSON("/cluster/endpoints", &views); err != nil {
				return err
			}

			cols := []table.Column{
				{Header: "IDENTITY", Flexible: true, LeftAlign: true},
				{Header: "LOCAL", Width: 5},
				{Header: "STATE", Width: 12},
				{Header: "SUBSCRIPTIONS", Flexible: true, LeftAlign: true},
			}
			rows := make([]table.Row, 0, len(views))
			for _, v := range views {
				rows = append(rows, table.Row{
					v.Identity,
					boolString(v.Local),
					v.State,
					strings.Join(v.Subscriptions, ","),
				})
			}
			t := table.New(cols, rows)
			t.Sort = []int{0}
			if !color.NoColor {
				t.Colorize = table.StatusColorizer(2)
			}
			t.Render(stdout)
			return nil
		},
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
