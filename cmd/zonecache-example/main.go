// Command zonecache-example drives pkg/zonecache.Client against one or more
// running instances of cmd/server (the reference memcached-style backend),
// exercising get/set/bulk-get/consistent-get end to end.
package main

import (
	"fmt"
	"os"

	"github.com/cachemir/zonecache/cmd/zonecache-example/internal/app"
	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var nodesFlag []string
	var appName string

	root := &cobra.Command{
		Use:   "zonecache-example",
		Short: "exercise pkg/zonecache.Client against a running reference backend",
	}
	root.PersistentFlags().StringSliceVar(&nodesFlag, "nodes", []string{"localhost:11311"}, "comma-separated host:port list, one zone per entry")
	root.PersistentFlags().StringVar(&appName, "app", "example", "application name tag for metrics and events")

	root.AddCommand(newGetCmd(&nodesFlag, &appName))
	root.AddCommand(newSetCmd(&nodesFlag, &appName))
	root.AddCommand(newBulkGetCmd(&nodesFlag, &appName))
	root.AddCommand(newConsistentGetCmd(&nodesFlag, &appName))
	return root
}

func newGetCmd(nodes *[]string, appName *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get [key]",
		Short: "read a single key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := app.MustClient(*appName, *nodes)
			val, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if val == nil {
				fmt.Printf("%s: (miss)\n", args[0])
				return nil
			}
			fmt.Printf("%s: %v\n", args[0], val)
			return nil
		},
	}
}

func newSetCmd(nodes *[]string, appName *string) *cobra.Command {
	var ttl int64
	cmd := &cobra.Command{
		Use:   "set [key] [value]",
		Short: "write a single key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := app.MustClient(*appName, *nodes)
			latch, err := c.Set(cmd.Context(), args[0], args[1], ttl)
			if err != nil {
				return err
			}
			fmt.Printf("%s: dispatched, required=%d total=%d met=%v\n", args[0], latch.Required(), latch.Total(), latch.Met())
			return nil
		},
	}
	cmd.Flags().Int64Var(&ttl, "ttl", 0, "TTL in seconds, 0 for no expiry")
	return cmd
}

func newBulkGetCmd(nodes *[]string, appName *string) *cobra.Command {
	return &cobra.Command{
		Use:   "bulk-get [key...]",
		Short: "read many keys in one round trip per replica",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := app.MustClient(*appName, *nodes)
			result, err := c.GetBulk(cmd.Context(), args)
			if err != nil {
				return err
			}
			for _, k := range args {
				if v := result[k]; v == nil {
					fmt.Printf("%s: (miss)\n", k)
				} else {
					fmt.Printf("%s: %v\n", k, v)
				}
			}
			return nil
		},
	}
}

func newConsistentGetCmd(nodes *[]string, appName *string) *cobra.Command {
	return &cobra.Command{
		Use:   "consistent-get [key] [policy]",
		Short: "read a key requiring agreement across replicas (NONE|ONE|QUORUM|ALL_MINUS_1|ALL)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := app.MustClient(*appName, *nodes)
			val, err := c.GetWithPolicy(cmd.Context(), args[0], app.ParsePolicy(args[1]))
			if err != nil {
				return err
			}
			if val == nil {
				fmt.Printf("%s: (no quorum)\n", args[0])
				return nil
			}
			fmt.Printf("%s: %v\n", args[0], val)
			return nil
		},
	}
}
