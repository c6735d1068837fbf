package main

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/WebFirstLanguage/kadnet/pkg/control"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// withClient connects to the control API named by the --control flag
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *control.Client) error) error {
	addr, _ := cmd.Flags().GetString("control")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	c, err := control.Dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("%w (is the node running?)", err)
	}
	defer c.Close()
	return fn(ctx, c)
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Publish a value",
		Long: `Publish a value under key. A key of 40 hex characters is used as the
identifier directly, any other key is hashed into the keyspace.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *control.Client) error {
				r, err := c.Put(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored %s (%s) on %d peers\n",
					r.Key, humanize.Bytes(uint64(len(args[1]))), r.Accepted)
				return nil
			})
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Look up a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *control.Client) error {
				r, err := c.Get(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, r.Value)
				fmt.Fprintf(out, "key %s, %s, published %s\n",
					r.Key, humanize.Bytes(uint64(len(r.Value))), humanize.Time(r.Timestamp))
				return nil
			})
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show node information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *control.Client) error {
				info, err := c.Info(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "ID:           %s\n", info.ID)
				fmt.Fprintf(out, "Address:      %s\n", info.Address)
				fmt.Fprintf(out, "State:        %s\n", info.State)
				fmt.Fprintf(out, "Bootstrapped: %t\n", info.Bootstrapped)
				fmt.Fprintf(out, "Contacts:     %s in %d buckets\n", humanize.Comma(int64(info.Contacts)), len(info.Buckets))
				fmt.Fprintf(out, "Values:       %d of %d (%d published here)\n",
					info.Values+info.OwnerValues, info.Capacity, info.OwnerValues)
				return nil
			})
		},
	}
}

func newPeersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List the routing table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *control.Client) error {
				peers, err := c.Peers(ctx)
				if err != nil {
					return err
				}
				sort.Slice(peers, func(i, j int) bool {
					if peers[i].Bucket != peers[j].Bucket {
						return peers[i].Bucket < peers[j].Bucket
					}
					return peers[i].ID < peers[j].ID
				})

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Peers (%d)\n", len(peers))
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "BUCKET\tID\tADDRESS")
				for _, p := range peers {
					fmt.Fprintf(w, "%d\t%s\t%s\n", p.Bucket, p.ID, p.Address)
				}
				return w.Flush()
			})
		},
	}
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping <host:port>",
		Short: "Ping a peer from the running node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *control.Client) error {
				r, err := c.Ping(ctx, args[0])
				if err != nil {
					return err
				}
				if !r.Alive {
					return fmt.Errorf("no answer from %s", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s answered as %s in %dms\n", args[0], r.ID, r.RTTMs)
				return nil
			})
		},
	}
}
