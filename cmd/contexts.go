package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/giantswarm/cluster-bridge/internal/cluster"
	"github.com/giantswarm/cluster-bridge/internal/kubeconfig"
	"github.com/giantswarm/cluster-bridge/internal/logging"
)

// contextRow is one context as printed by the contexts command.
type contextRow struct {
	ID         string `json:"id"`
	Context    string `json:"context"`
	Current    bool   `json:"current"`
	Server     string `json:"server"`
	AuthMethod string `json:"authMethod"`
	Namespace  string `json:"namespace,omitempty"`
	Kubeconfig string `json:"kubeconfig"`
}

// newContextsCmd creates the command listing the clusters the bridge
// would register for a set of kubeconfig files.
func newContextsCmd() *cobra.Command {
	var (
		paths  []string
		output string
	)

	cmd := &cobra.Command{
		Use:   "contexts",
		Short: "List the kubeconfig contexts and their cluster IDs",
		Long: `List every context of the given kubeconfig files together with the
cluster ID the bridge assigns to it. IDs are stable for a given file and
context name, so they can be used in /clusters/<id>/ URLs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(paths) == 0 {
				paths = defaultKubeconfigPaths()
			}
			rows := collectContexts(paths, slog.Default())
			switch output {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			case "table", "":
				return renderContexts(cmd.OutOrStdout(), rows)
			default:
				return fmt.Errorf("unsupported output format: %s (supported: table, json)", output)
			}
		},
	}

	cmd.Flags().StringSliceVar(&paths, "kubeconfig", nil, "Kubeconfig files to read (default: $KUBECONFIG or ~/.kube/config)")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table or json")
	return cmd
}

// collectContexts reads each kubeconfig and returns one row per context.
// Unreadable files are logged and skipped.
func collectContexts(paths []string, logger *slog.Logger) []contextRow {
	rows := []contextRow{}
	for _, path := range paths {
		cfg, err := kubeconfig.Load(path)
		if err != nil {
			logger.Warn("skipping kubeconfig", slog.String("path", path), logging.Err(err))
			continue
		}
		source := cfg.Path()
		if source == "" {
			source = path
		}
		for _, name := range cfg.ContextNames() {
			nc, _ := cfg.Context(name)
			row := contextRow{
				ID:         cluster.ID(source, name),
				Context:    name,
				Current:    name == cfg.CurrentContext,
				Namespace:  nc.Context.Namespace,
				Kubeconfig: source,
			}
			if c, ok := cfg.Cluster(nc.Context.Cluster); ok {
				row.Server = logging.SanitizeURL(c.Server())
			}
			if u, ok := cfg.User(nc.Context.User); ok {
				row.AuthMethod = string(u.AuthMethod())
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func renderContexts(w io.Writer, rows []contextRow) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "No contexts found.")
		return err
	}

	data := make([][]string, 0, len(rows))
	for _, r := range rows {
		marker := ""
		if r.Current {
			marker = "*"
		}
		data = append(data, []string{marker, r.Context, r.ID, r.Server, r.AuthMethod, r.Namespace})
	}

	header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers("", "CONTEXT", "ID", "SERVER", "AUTH", "NAMESPACE").
		Rows(data...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})

	_, err := fmt.Fprintln(w, t.Render())
	return err
}
