package main

import (
	"github.com/spf13/cobra"

	"github.com/Icinga/icinga2-sub010/internal/cluster/httpapi"
	"github.com/Icinga/icinga2-sub010/pkg/table"
)

func newObjectsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "objects",
		Short: "list dynamic objects held by the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			var views []httpapi.ObjectView
			if err := fetchJSON("/cluster/objects", &views); err != nil {
				return err
			}

			cols := []table.Column{
				{Header: "TYPE", Flexible: true, LeftAlign: true},
				{Header: "NAME", Flexible: true, LeftAlign: true},
				{Header: "SOURCE", Flexible: true, LeftAlign: true},
				{Header: "LOCAL", Width: 5},
			}
			rows := make([]table.Row, 0, len(views))
			for _, v := range views {
				source := v.Source
				if source == "" {
					source = "-"
				}
				rows = append(rows, table.Row{v.Type, v.Name, source, boolString(v.Local)})
			}
			t := table.New(cols, rows)
			t.Sort = []int{0, 1}
			t.Render(stdout)
			return nil
		},
	}
}
