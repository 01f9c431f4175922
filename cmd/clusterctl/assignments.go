package main

import (
	"github.com/spf13/cobra"

	"github.com/Icinga/icinga2-sub010/internal/cluster/httpapi"
	"github.com/Icinga/icinga2-sub010/pkg/table"
)

func newAssignmentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "assignments",
		Short: "list current service-to-checker assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			var views []httpapi.AssignmentView
			if err := fetchJSON("/cluster/assignments", &views); err != nil {
				return err
			}

			cols := []table.Column{
				{Header: "SERVICE", Flexible: true, LeftAlign: true},
				{Header: "CHECKER", Flexible: true, LeftAlign: true},
			}
			rows := make([]table.Row, 0, len(views))
			for _, v := range views {
				rows = append(rows, table.Row{v.Service, v.Checker})
			}
			t := table.New(cols, rows)
			t.Sort = []int{0}
			t.Render(stdout)
			return nil
		},
	}
}
