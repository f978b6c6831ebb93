package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"overlay/pkg/control"
	"overlay/pkg/types"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/status"
)

var nodeControlAddress string

func ctlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Operate a running storage node",
		Long:  `Issue commands to a running storage node through its control address (by default the node's port + 1000).`,
	}

	cmd.PersistentFlags().StringVar(&nodeControlAddress, "node", "", "control address of the node")
	cmd.MarkPersistentFlagRequired("node")

	cmd.AddCommand(
		addFileCmd(),
		localFilesCmd(),
		storageCmd(),
		sendCmd(),
		peersCmd(),
		quitCmd(),
	)
	return cmd
}

// withClient connects to the node and runs fn, turning RPC errors into
// their plain messages.
func withClient(ctx context.Context, fn func(*control.Client) error) error {
	client, err := control.Dial(ctx, nodeControlAddress)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := fn(client); err != nil {
		return fmt.Errorf("%s", status.Convert(err).Message())
	}
	return nil
}

func shortContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), control.DefaultTimeout)
}

func addFileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "addfile [filename] [path]",
		Short: "Copy a local file into the node's storage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			// The node opens the path itself.
			path, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			return withClient(ctx, func(c *control.Client) error {
				id, err := c.AddFile(ctx, args[0], path)
				if err != nil {
					return err
				}
				fmt.Printf("%s %s stored as %s\n", successStyle.Render("✓"), args[0], titleStyle.Render(string(id)))
				return nil
			})
		},
	}
}

func localFilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "localfiles",
		Short: "List the files stored on the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := shortContext(cmd)
			defer cancel()
			return withClient(ctx, func(c *control.Client) error {
				files, err := c.LocalFiles(ctx)
				if err != nil {
					return err
				}
				fmt.Println(renderFiles(files))
				return nil
			})
		},
	}
}

func storageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "storage",
		Short: "Show storage usage against the quota",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := shortContext(cmd)
			defer cancel()
			return withClient(ctx, func(c *control.Client) error {
				used, quota, err := c.Storage(ctx)
				if err != nil {
					return err
				}
				fmt.Println(renderStorage(used, quota))
				return nil
			})
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send [host:port] [file_id]",
		Short: "Send a stored file directly to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := types.ParsePeerAddr(args[0]); err != nil {
				return err
			}

			// Throttled transfers can be slow; no deadline beyond the user's.
			ctx := cmd.Context()
			return withClient(ctx, func(c *control.Client) error {
				if err := c.SendFile(ctx, args[0], types.FileID(args[1])); err != nil {
					return err
				}
				fmt.Printf("%s sent %s to %s\n", successStyle.Render("✓"), args[1], args[0])
				return nil
			})
		},
	}
}

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "Show the node's peer table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := shortContext(cmd)
			defer cancel()
			return withClient(ctx, func(c *control.Client) error {
				peers, err := c.Peers(ctx)
				if err != nil {
					return err
				}
				fmt.Println(renderPeers(peers))
				return nil
			})
		},
	}
}

func quitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quit",
		Short: "Stop the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := shortContext(cmd)
			defer cancel()
			return withClient(ctx, func(c *control.Client) error {
				if err := c.Shutdown(ctx); err != nil {
					return err
				}
				fmt.Println(mutedStyle.Render("Node shutting down"))
				return nil
			})
		},
	}
}
