// Command servcored is the request-servicing core's process entry point:
// a cobra CLI exposing serve, reload, cache stats, and channel list
// subcommands over a configured scheduler.Server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "servcored",
		Short: "request-servicing core daemon",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to servcored.yaml")

	root.AddCommand(newServeCmd())
	root.AddCommand(newReloadCmd())
	root.AddCommand(newCacheCmd())
	root.AddCommand(newChannelCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
