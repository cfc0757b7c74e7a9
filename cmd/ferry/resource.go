package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/ferry/pkg/types"
	"github.com/spf13/cobra"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage storage nodes",
}

var nodeCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Register a storage node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		address, _ := cmd.Flags().GetString("address")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.CreateNode(&types.Node{Name: args[0], Address: address}); err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		fmt.Printf("✓ Node %s created\n", args[0])
		return nil
	},
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List storage nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		nodes, err := store.ListNodes()
		if err != nil {
			return fmt.Errorf("failed to list nodes: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tADDRESS")
		for _, n := range nodes {
			fmt.Fprintf(w, "%s\t%s\n", n.Name, orDash(n.Address))
		}
		return w.Flush()
	},
}

var nodeDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Remove a storage node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		rds, err := store.ListResourceDefinitions()
		if err != nil {
			return fmt.Errorf("failed to list resource definitions: %w", err)
		}
		for _, rd := range rds {
			for _, p := range rd.Placements {
				if p.Node == args[0] {
					return fmt.Errorf("node %s still holds resource %s", args[0], rd.Name)
				}
			}
		}
		if err := store.DeleteNode(args[0]); err != nil {
			return fmt.Errorf("failed to delete node: %w", err)
		}
		fmt.Printf("✓ Node %s deleted\n", args[0])
		return nil
	},
}

var resourceCmd = &cobra.Command{
	Use:   "resource",
	Short: "Manage replicated resources",
}

var resourceCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Register a replicated resource",
	Long: `Register a replicated resource. Every --device adds a volume, numbered
in the order given. Nodes must be registered with "ferry node create" first.

Example:
  ferry resource create db --device /dev/drbd1000 --device /dev/drbd1001 \
    --node node-1 --node node-2 --diskless node-0`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		group, _ := cmd.Flags().GetString("group")
		suffix, _ := cmd.Flags().GetString("suffix")
		devices, _ := cmd.Flags().GetStringSlice("device")
		diskful, _ := cmd.Flags().GetStringSlice("node")
		diskless, _ := cmd.Flags().GetStringSlice("diskless")

		if len(devices) == 0 {
			return fmt.Errorf("at least one --device is required")
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if group != "" {
			if _, err := store.GetResourceGroup(group); err != nil {
				return fmt.Errorf("failed to get resource group: %w", err)
			}
		}

		rd := &types.ResourceDefinition{
			Name:      args[0],
			Group:     group,
			Suffix:    suffix,
			Props:     types.Props{},
			CreatedAt: time.Now().UTC(),
		}
		for i, dev := range devices {
			rd.Volumes = append(rd.Volumes, types.VolumeDefinition{Number: i, DevicePath: dev})
		}
		for _, placements := range []struct {
			nodes    []string
			diskless bool
		}{{diskful, false}, {diskless, true}} {
			for _, node := range placements.nodes {
				if _, err := store.GetNode(node); err != nil {
					return fmt.Errorf("failed to get node: %w", err)
				}
				rd.Placements = append(rd.Placements, types.Placement{Node: node, Diskless: placements.diskless})
			}
		}

		if err := store.CreateResourceDefinition(rd); err != nil {
			return fmt.Errorf("failed to create resource definition: %w", err)
		}
		fmt.Printf("✓ Resource %s created with %d volumes\n", rd.Name, len(rd.Volumes))
		return nil
	},
}

var resourceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resources",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		rds, err := store.ListResourceDefinitions()
		if err != nil {
			return fmt.Errorf("failed to list resource definitions: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tGROUP\tVOLUMES\tDISKFUL NODES")
		for _, rd := range rds {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", rd.Name, orDash(rd.Group), len(rd.Volumes),
				orDash(strings.Join(rd.DiskfulNodes(), ",")))
		}
		return w.Flush()
	},
}

var resourceDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Remove a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if _, err := store.GetResourceDefinition(args[0]); err != nil {
			return fmt.Errorf("failed to get resource definition: %w", err)
		}
		snapshots, err := store.ListSnapshots()
		if err != nil {
			return fmt.Errorf("failed to list snapshots: %w", err)
		}
		for _, snap := range snapshots {
			if snap.Resource != args[0] {
				continue
			}
			if err := store.DeleteSnapshot(snap.Resource, snap.Name); err != nil {
				return fmt.Errorf("failed to delete snapshot %s: %w", snap.Key(), err)
			}
		}
		if err := store.DeleteResourceDefinition(args[0]); err != nil {
			return fmt.Errorf("failed to delete resource definition: %w", err)
		}
		fmt.Printf("✓ Resource %s deleted\n", args[0])
		return nil
	},
}

var groupCreateCmd = &cobra.Command{
	Use:   "group-create NAME",
	Short: "Create a resource group sharing backup properties",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.CreateResourceGroup(&types.ResourceGroup{Name: args[0], Props: types.Props{}}); err != nil {
			return fmt.Errorf("failed to create resource group: %w", err)
		}
		fmt.Printf("✓ Resource group %s created\n", args[0])
		return nil
	},
}

var groupDeleteCmd = &cobra.Command{
	Use:   "group-delete NAME",
	Short: "Delete an unused resource group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		rds, err := store.ListResourceDefinitions()
		if err != nil {
			return fmt.Errorf("failed to list resource definitions: %w", err)
		}
		for _, rd := range rds {
			if rd.Group == args[0] {
				return fmt.Errorf("resource group %s is used by %s", args[0], rd.Name)
			}
		}
		if err := store.DeleteResourceGroup(args[0]); err != nil {
			return fmt.Errorf("failed to delete resource group: %w", err)
		}
		fmt.Printf("✓ Resource group %s deleted\n", args[0])
		return nil
	},
}

func init() {
	nodeCmd.AddCommand(nodeCreateCmd)
	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeDeleteCmd)
	nodeCreateCmd.Flags().String("address", "", "Address of the node")

	resourceCmd.AddCommand(resourceCreateCmd)
	resourceCmd.AddCommand(resourceListCmd)
	resourceCmd.AddCommand(resourceDeleteCmd)
	resourceCmd.AddCommand(groupCreateCmd)
	resourceCmd.AddCommand(groupDeleteCmd)

	resourceCreateCmd.Flags().String("group", "", "Resource group sharing backup properties")
	resourceCreateCmd.Flags().String("suffix", "", "Suffix appended to the resource name in backup names")
	resourceCreateCmd.Flags().StringSlice("device", nil, "Block device of the next volume (repeatable)")
	resourceCreateCmd.Flags().StringSlice("node", nil, "Node holding data of the resource (repeatable)")
	resourceCreateCmd.Flags().StringSlice("diskless", nil, "Diskless node of the resource (repeatable)")
}
