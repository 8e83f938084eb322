package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cordum/barkit/sdk/client"
	"github.com/spf13/cobra"
)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func newInstallCmd(opts *rootOptions) *cobra.Command {
	var boxName string
	var watch bool
	cmd := &cobra.Command{
		Use:   "install <file>",
		Short: "Upload an archive and install it as a new box",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			// #nosec G304 -- CLI uploads operator-provided files.
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			c := opts.client()
			acc, err := c.Install(ctx, boxName, f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := printJSON(out, acc); err != nil {
				return err
			}
			if !watch {
				return nil
			}
			return watchProgress(ctx, c, boxName, out)
		},
	}
	cmd.Flags().StringVar(&boxName, "box", "", "box name")
	cmd.Flags().BoolVar(&watch, "watch", false, "follow progress until the install ends")
	_ = cmd.MarkFlagRequired("box")
	return cmd
}

func newProgressCmd(opts *rootOptions) *cobra.Command {
	var boxName string
	var watch bool
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show the install progress of a box",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			c := opts.client()
			if watch {
				return watchProgress(ctx, c, boxName, cmd.OutOrStdout())
			}
			p, err := c.Progress(ctx, boxName)
			if err != nil {
				if client.IsNotFound(err) {
					return fmt.Errorf("no install recorded for box %s", boxName)
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
	cmd.Flags().StringVar(&boxName, "box", "", "box name")
	cmd.Flags().BoolVar(&watch, "watch", false, "stream updates until the install ends")
	_ = cmd.MarkFlagRequired("box")
	return cmd
}

// watchProgress prints one line per snapshot and fails when the install
// failed.
func watchProgress(ctx context.Context, c *client.Client, boxName string, out io.Writer) error {
	last, err := c.WatchProgress(ctx, boxName, func(p *client.Progress) error {
		_, err := fmt.Fprintf(out, "%-10s %3d%% %s %s\n", p.Status, p.Percent, p.Message.Code, p.Message.Message.Value)
		return err
	})
	if err != nil {
		return err
	}
	if last != nil && last.Status == "FAILED" {
		return errors.New("install failed: " + last.Message.Message.Value)
	}
	return nil
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	var boxName string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the running install of a box",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Cancel(cmd.Context(), boxName); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for %s\n", boxName)
			return nil
		},
	}
	cmd.Flags().StringVar(&boxName, "box", "", "box name")
	_ = cmd.MarkFlagRequired("box")
	return cmd
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var boxName, output, format string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download a box as an archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			if output == "" {
				output = boxName + ".bar"
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			n, err := opts.client().Export(ctx, boxName, format, f)
			closeErr := f.Close()
			if err == nil {
				err = closeErr
			}
			if err != nil {
				_ = os.Remove(output)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", n, output)
			return nil
		},
	}
	cmd.Flags().StringVar(&boxName, "box", "", "box name")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default <box>.bar)")
	cmd.Flags().StringVar(&format, "format", "", "archive encoding: zip, tar, tar.gz, tar.zst")
	_ = cmd.MarkFlagRequired("box")
	return cmd
}
