// Command clusterctl is the operator CLI for a running clusterd: it lists
// endpoints, dynamic objects, and checker assignments by querying
// clusterd's admin API, and inspects a peer's certificate by dialing the
// peer directly. Grounded on the teacher's
// cli/cmd package (spf13/cobra root command, color.Output/color.Error for
// Windows-safe writers, table rendering via a shared helper package).
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Icinga/icinga2-sub010/pkg/version"
)

var (
	stdout = color.Output
	stderr = color.Error

	adminAddr string
)

var rootCmd = &cobra.Command{
	Use:   "clusterctl",
	Short: "clusterctl inspects a running cluster core",
	Long:  `clusterctl inspects a running cluster core: its endpoints, dynamic objects, and checker assignments.`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin-addr", "http://localhost:9090", "address of clusterd's admin API")
	rootCmd.AddCommand(newEndpointsCommand())
	rootCmd.AddCommand(newObjectsCommand())
	rootCmd.AddCommand(newAssignmentsCommand())
	rootCmd.AddCommand(newEndpointCommand())
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the clusterctl version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(stdout, version.Version)
			return nil
		},
	}
}
