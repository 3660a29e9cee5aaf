package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/drivesync/pkg/drive"
	"github.com/fruitsalade/drivesync/pkg/tree"
)

func (a *app) downloadCommand() *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "download <path|id>...",
		Short: "Download files or folders from the mirror",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withDrive(ctx, func(d *drive.Drive) error {
				for _, ref := range args {
					if err := d.Download(ctx, ref, dest); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&dest, "dest", "d", ".", "local destination folder")
	return cmd
}

func (a *app) uploadCommand() *cobra.Command {
	var parent, name string
	cmd := &cobra.Command{
		Use:   "upload <local-file>",
		Short: "Upload a local file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withDrive(ctx, func(d *drive.Drive) error {
				n, err := d.Upload(ctx, args[0], parent, name)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&parent, "parent", "p", "/", "remote folder, path or id")
	cmd.Flags().StringVarP(&name, "name", "n", "", "remote name (default: local file name)")
	return cmd
}

func (a *app) mkdirCommand() *cobra.Command {
	var parents bool
	cmd := &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a remote folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withDrive(ctx, func(d *drive.Drive) error {
				path := tree.Clean(args[0])
				if !parents {
					parent, err := d.GetNodeByPath(ctx, tree.Parent(path))
					if err != nil {
						return err
					}
					n, err := d.CreateFolder(ctx, parent.ID, tree.Base(path), false)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), n.ID)
					return nil
				}
				// A new folder reaches the mirror only through a sync, and
				// CreateFolder checks its parent against the mirror.
				cur, err := d.Root(ctx)
				if err != nil {
					return err
				}
				for _, name := range tree.Split(path) {
					if next, err := d.GetChildByName(ctx, cur.ID, name); err == nil {
						cur = next
						continue
					}
					if cur, err = d.CreateFolder(ctx, cur.ID, name, true); err != nil {
						return err
					}
					if _, err := d.SyncAll(ctx); err != nil {
						return err
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), cur.ID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&parents, "parents", "p", false, "create missing parent folders")
	return cmd
}

func (a *app) trashCommand() *cobra.Command {
	var permanent bool
	cmd := &cobra.Command{
		Use:   "trash <path|id>...",
		Short: "Move nodes to the remote trash",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withDrive(ctx, func(d *drive.Drive) error {
				for _, ref := range args {
					n, err := d.Resolve(ctx, ref)
					if err != nil {
						return err
					}
					if permanent {
						err = d.Delete(ctx, n.ID)
					} else {
						err = d.Trash(ctx, n.ID)
					}
					if err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&permanent, "permanent", false, "delete instead of trashing")
	return cmd
}

func (a *app) mvCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <src-path> <dst>",
		Short: "Rename or move a node",
		Long: "Rename or move a node. A bare name renames in place, a relative\n" +
			"path resolves against the source's folder, an existing folder\n" +
			"receives the node and an existing file is never overwritten.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withDrive(ctx, func(d *drive.Drive) error {
				n, err := d.RenameByPath(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n.ID)
				return nil
			})
		},
	}
}
