package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/giantswarm/cluster-bridge/internal/authproxy"
	"github.com/giantswarm/cluster-bridge/internal/kubeconfig"
	"github.com/giantswarm/cluster-bridge/internal/logging"
)

// authProxyOptions are the flags the bridge passes when it launches an
// auth proxy.
type authProxyOptions struct {
	kubeconfigPath string
	port           int
	clusterID      string
	debug          bool
}

// newAuthProxyCmd creates the hidden auth-proxy subcommand. The bridge runs
// one per connected cluster and waits for the readiness line on stdout.
func newAuthProxyCmd() *cobra.Command {
	var opts authProxyOptions

	cmd := &cobra.Command{
		Use:    "auth-proxy",
		Short:  "Serve one kubeconfig context on a loopback port",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runAuthProxy(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.kubeconfigPath, "kubeconfig", "", "Single-context kubeconfig to serve")
	cmd.Flags().IntVar(&opts.port, "port", 0, "Loopback port to listen on (0 picks a free port)")
	cmd.Flags().StringVar(&opts.clusterID, "cluster-id", "", "Cluster ID, used for logging")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	_ = cmd.MarkFlagRequired("kubeconfig")

	return cmd
}

func runAuthProxy(ctx context.Context, opts authProxyOptions, ready io.Writer) error {
	if opts.port < 0 || opts.port > 65535 {
		return fmt.Errorf("invalid port %d", opts.port)
	}

	// stdout carries only the readiness line.
	logger := newLogger(os.Stderr, logFormatText, opts.debug)
	logging.RouteKlog(logger, opts.debug)
	if opts.clusterID != "" {
		logger = logging.WithCluster(logger, opts.clusterID)
	}

	cfg, err := kubeconfig.Load(opts.kubeconfigPath)
	if err != nil {
		return err
	}
	if cfg.CurrentContext == "" {
		return errors.New("kubeconfig has no current context")
	}
	restConfig, err := kubeconfig.RESTConfig(cfg, cfg.CurrentContext)
	if err != nil {
		return err
	}

	srv, err := authproxy.NewServer(restConfig, authproxy.WithServerLogger(logger))
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx, opts.port, ready)
}
