package main

import (
	"bufio"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func newChannelCmd() *cobra.Command {
	var adminAddr string
	root := &cobra.Command{Use: "channel", Short: "inspect a running server's connection channels"}

	list := &cobra.Command{
		Use:   "list",
		Short: "list every detached connection channel's name",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get("http://" + adminAddr + "/channels")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			scanner := bufio.NewScanner(resp.Body)
			n := 0
			for scanner.Scan() {
				fmt.Println(scanner.Text())
				n++
			}
			if n == 0 {
				fmt.Println("(no open channels)")
			}
			return scanner.Err()
		},
	}

	root.PersistentFlags().StringVar(&adminAddr, "admin", "localhost:8081", "admin listener host:port")
	root.AddCommand(list)
	return root
}
