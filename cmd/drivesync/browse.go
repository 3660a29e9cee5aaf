package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/drivesync/pkg/drive"
	"github.com/fruitsalade/drivesync/pkg/models"
)

func (a *app) lsCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "ls [path|id]",
		Short: "List a folder of the mirror",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := "/"
			if len(args) == 1 {
				ref = args[0]
			}
			ctx := cmd.Context()
			return a.withDrive(ctx, func(d *drive.Drive) error {
				n, err := d.Resolve(ctx, ref)
				if err != nil {
					return err
				}
				kids := []*models.Node{n}
				if n.IsFolder() {
					if kids, err = d.ListChildren(ctx, n.ID); err != nil {
						return err
					}
				}
				return printNodes(cmd.OutOrStdout(), kids, long)
			})
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show id, size and modification time")
	return cmd
}

func printNodes(out io.Writer, nodes []*models.Node, long bool) error {
	if !long {
		for _, n := range nodes {
			name := n.Name
			if n.IsFolder() {
				name += "/"
			}
			fmt.Fprintln(out, name)
		}
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, n := range nodes {
		name := n.Name
		if n.IsFolder() {
			name += "/"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", n.ID, n.Size, n.Modified.Format(time.RFC3339), name)
	}
	return w.Flush()
}

func (a *app) statCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path|id>",
		Short: "Print a node as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withDrive(ctx, func(d *drive.Drive) error {
				n, err := d.Resolve(ctx, args[0])
				if err != nil {
					return err
				}
				path, err := d.WhichPath(ctx, n.ID)
				if err != nil && !models.IsNotFound(err) {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), drive.Entry{Path: path, Node: n})
			})
		},
	}
}

func (a *app) findCommand() *cobra.Command {
	var regex, pattern string
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Find nodes by name regex or path glob",
		Example: "  drivesync find --regex '\\.jpe?g$'\n" +
			"  drivesync find --glob '/photos/**/*.png'",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (regex == "") == (pattern == "") {
				return errors.New("exactly one of --regex and --glob is required")
			}
			ctx := cmd.Context()
			return a.withDrive(ctx, func(d *drive.Drive) error {
				var (
					found []drive.Entry
					err   error
				)
				if regex != "" {
					found, err = d.FindByRegex(ctx, regex)
				} else {
					found, err = d.FindByGlob(ctx, pattern)
				}
				if err != nil {
					return err
				}
				for _, e := range found {
					fmt.Fprintln(cmd.OutOrStdout(), e.Path)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&regex, "regex", "", "match node names against a regular expression")
	cmd.Flags().StringVar(&pattern, "glob", "", "match node paths against a glob")
	return cmd
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
