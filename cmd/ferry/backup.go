package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cuemby/ferry/pkg/dispatch"
	"github.com/cuemby/ferry/pkg/props"
	"github.com/cuemby/ferry/pkg/storage"
	"github.com/cuemby/ferry/pkg/types"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Enable scheduled backups and restore them",
}

var backupEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Ship backups of a resource, a resource group or everything to a remote on a schedule",
	Long: `Enable a remote and schedule pair. The properties are set on the resource
given by --resource, on the group given by --group or on the controller when
neither is given. Resource properties win over group properties, which win
over controller properties.

Example:
  ferry backup enable --remote s3-eu --schedule nightly --resource db --pref-node node-1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, _ := cmd.Flags().GetString("remote")
		schedName, _ := cmd.Flags().GetString("schedule")
		prefNode, _ := cmd.Flags().GetString("pref-node")
		forceRestore, _ := cmd.Flags().GetBool("force-restore")
		renames, _ := cmd.Flags().GetStringToString("rename-pool")

		err := editProps(cmd, func(store *storage.BoltStore, p types.Props) error {
			if _, err := store.GetRemote(remote); err != nil {
				return fmt.Errorf("failed to get remote: %w", err)
			}
			if _, err := store.GetSchedule(schedName); err != nil {
				return fmt.Errorf("failed to get schedule: %w", err)
			}

			ns := props.ScheduleNamespace(remote, schedName)
			p.Set(props.KeyEnabled, ns, "true")
			if prefNode != "" {
				p.Set(props.KeyPrefNode, ns, prefNode)
			}
			if cmd.Flags().Changed("force-restore") {
				p.Set(props.KeyForceRestore, ns, strconv.FormatBool(forceRestore))
			}
			for from, to := range renames {
				p.Set(from, types.JoinKey(ns, props.KeyRenameStorPool), to)
			}
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Backups to %s on schedule %s enabled\n", remote, schedName)
		return nil
	},
}

var backupDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Stop shipping backups of a remote and schedule pair",
	Long: `Disable a remote and schedule pair. Enabled is set to false rather than
removed, so a resource can opt out of a pair enabled on its group or the
controller.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, _ := cmd.Flags().GetString("remote")
		schedName, _ := cmd.Flags().GetString("schedule")

		err := editProps(cmd, func(_ *storage.BoltStore, p types.Props) error {
			p.Set(props.KeyEnabled, props.ScheduleNamespace(remote, schedName), "false")
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Backups to %s on schedule %s disabled\n", remote, schedName)
		return nil
	},
}

var backupSweepCmd = &cobra.Command{
	Use:   "sweep-interval MINUTES",
	Short: "Set how often ferry run repairs armed backups and shipping records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		minutes, err := strconv.Atoi(args[0])
		if err != nil || minutes <= 0 {
			return fmt.Errorf("interval must be a positive number of minutes, got %q", args[0])
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctrl, err := store.GetControllerProps()
		if err != nil {
			return fmt.Errorf("failed to get controller properties: %w", err)
		}
		if ctrl == nil {
			ctrl = types.Props{}
		}
		ctrl[props.KeySweeperRunEvery] = strconv.Itoa(minutes)
		if err := store.SetControllerProps(ctrl); err != nil {
			return fmt.Errorf("failed to set controller properties: %w", err)
		}
		fmt.Printf("✓ Sweeping every %d minutes\n", minutes)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the backups shipped to a remote",
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, _ := cmd.Flags().GetString("remote")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.ListManifests(remote)
		if err != nil {
			return fmt.Errorf("failed to list backups: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "MANIFEST\tSHIPPED")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\n", r.Key, r.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var backupSnapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List the local snapshots taken for backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		resource, _ := cmd.Flags().GetString("resource")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		snapshots, err := store.ListSnapshots()
		if err != nil {
			return fmt.Errorf("failed to list snapshots: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RESOURCE\tSNAPSHOT\tREMOTE\tSCHEDULE\tKIND\tCREATED")
		for _, s := range snapshots {
			if resource != "" && s.Resource != resource {
				continue
			}
			kind := "full"
			if s.Incremental {
				kind = "incremental"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.Resource, s.Name, s.Remote,
				orDash(s.Schedule), kind, s.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a backup and every backup it builds on from an S3 remote",
	Long: `Restore downloads a backup chain from an S3 remote onto a diskful node of
the target resource, oldest backup first. It runs in this process and waits
until the chain is restored or a link fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, _ := cmd.Flags().GetString("remote")
		manifest, _ := cmd.Flags().GetString("manifest")
		target, _ := cmd.Flags().GetString("target")
		node, _ := cmd.Flags().GetString("node")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		p, err := newPlane(store, nil)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := p.start(ctx); err != nil {
			return err
		}
		defer p.stop()

		result, err := p.dispatcher.Restore(ctx, dispatch.RestoreRequest{
			Remote:         remote,
			ManifestKey:    manifest,
			TargetResource: target,
			Node:           node,
		})
		if err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case ok := <-result:
			if !ok {
				return fmt.Errorf("restore of %s failed", manifest)
			}
		case <-sigCh:
			return fmt.Errorf("restore of %s interrupted", manifest)
		case <-ctx.Done():
			return fmt.Errorf("restore of %s: %w", manifest, ctx.Err())
		}
		fmt.Printf("✓ %s restored\n", manifest)
		return nil
	},
}

func init() {
	backupCmd.AddCommand(backupEnableCmd)
	backupCmd.AddCommand(backupDisableCmd)
	backupCmd.AddCommand(backupSweepCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupSnapshotsCmd)
	backupCmd.AddCommand(backupRestoreCmd)

	for _, c := range []*cobra.Command{backupEnableCmd, backupDisableCmd} {
		c.Flags().String("remote", "", "Remote receiving the backups")
		c.Flags().String("schedule", "", "Schedule starting the backups")
		c.Flags().String("resource", "", "Set the properties on this resource")
		c.Flags().String("group", "", "Set the properties on this resource group")
		_ = c.MarkFlagRequired("remote")
		_ = c.MarkFlagRequired("schedule")
		c.MarkFlagsMutuallyExclusive("resource", "group")
	}
	backupEnableCmd.Flags().String("pref-node", "", "Preferred node to send backups from")
	backupEnableCmd.Flags().Bool("force-restore", false, "Restore over an existing resource on the receiving cluster")
	backupEnableCmd.Flags().StringToString("rename-pool", nil, "Storage pool renames on the receiving cluster (from=to)")

	backupListCmd.Flags().String("remote", "", "Remote holding the backups")
	_ = backupListCmd.MarkFlagRequired("remote")

	backupSnapshotsCmd.Flags().String("resource", "", "Only list snapshots of this resource")

	backupRestoreCmd.Flags().String("remote", "", "S3 remote holding the backup")
	backupRestoreCmd.Flags().String("manifest", "", "Manifest key of the backup to restore")
	backupRestoreCmd.Flags().String("target", "", "Resource to restore into, default the resource of the backup")
	backupRestoreCmd.Flags().String("node", "", "Node to restore on, default the first diskful node")
	backupRestoreCmd.Flags().Duration("timeout", 12*time.Hour, "Give up after this long")
	_ = backupRestoreCmd.MarkFlagRequired("remote")
	_ = backupRestoreCmd.MarkFlagRequired("manifest")
}

// editProps applies fn to the properties of the resource, group or
// controller selected by the flags of cmd and stores them
func editProps(cmd *cobra.Command, fn func(store *storage.BoltStore, p types.Props) error) error {
	resource, _ := cmd.Flags().GetString("resource")
	group, _ := cmd.Flags().GetString("group")

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	switch {
	case resource != "":
		rd, err := store.GetResourceDefinition(resource)
		if err != nil {
			return fmt.Errorf("failed to get resource definition: %w", err)
		}
		if rd.Props == nil {
			rd.Props = types.Props{}
		}
		if err := fn(store, rd.Props); err != nil {
			return err
		}
		return store.UpdateResourceDefinition(rd)

	case group != "":
		rg, err := store.GetResourceGroup(group)
		if err != nil {
			return fmt.Errorf("failed to get resource group: %w", err)
		}
		if rg.Props == nil {
			rg.Props = types.Props{}
		}
		if err := fn(store, rg.Props); err != nil {
			return err
		}
		return store.UpdateResourceGroup(rg)

	default:
		ctrl, err := store.GetControllerProps()
		if err != nil {
			return fmt.Errorf("failed to get controller properties: %w", err)
		}
		if ctrl == nil {
			ctrl = types.Props{}
		}
		if err := fn(store, ctrl); err != nil {
			return err
		}
		return store.SetControllerProps(ctrl)
	}
}
