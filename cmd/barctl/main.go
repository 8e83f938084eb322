package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cordum/barkit/core/infra/buildinfo"
	"github.com/cordum/barkit/sdk/client"
	"github.com/spf13/cobra"
)

const defaultGateway = "http://localhost:8081"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	gateway string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "barctl",
		Short:         "Box archive tooling",
		Long:          "barctl validates, packs and inspects box archives and drives installs and exports through the barkit gateway.",
		Version:       buildinfo.Info(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.gateway, "gateway", envOr("BARKIT_GATEWAY", defaultGateway), "gateway base url")

	root.AddCommand(
		newValidateCmd(),
		newLsCmd(),
		newPackCmd(),
		newUnpackCmd(),
		newInstallCmd(opts),
		newProgressCmd(opts),
		newCancelCmd(opts),
		newExportCmd(opts),
		newEventsCmd(),
	)
	return root
}

func (o *rootOptions) client() *client.Client {
	return client.New(strings.TrimRight(o.gateway, "/"))
}

func printJSON(w io.Writer, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
