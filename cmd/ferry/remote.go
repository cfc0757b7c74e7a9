package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cuemby/ferry/pkg/backupschedule"
	"github.com/cuemby/ferry/pkg/health"
	"github.com/cuemby/ferry/pkg/types"
	"github.com/spf13/cobra"
)

// secretKeyEnv carries the S3 secret key when --secret-key is not given
const secretKeyEnv = "FERRY_S3_SECRET_KEY"

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Manage backup remotes",
}

var remoteCreateS3Cmd = &cobra.Command{
	Use:   "create-s3 NAME",
	Short: "Create an S3 compatible object store remote",
	Long: `Create an S3 compatible object store remote. The secret key is sealed
with the master passphrase before it is stored and is read from
` + secretKeyEnv + ` when --secret-key is not given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, _ := cmd.Flags().GetString("endpoint")
		bucket, _ := cmd.Flags().GetString("bucket")
		region, _ := cmd.Flags().GetString("region")
		accessKey, _ := cmd.Flags().GetString("access-key")
		secretKey, _ := cmd.Flags().GetString("secret-key")
		pathStyle, _ := cmd.Flags().GetBool("path-style")

		if secretKey == "" {
			secretKey = os.Getenv(secretKeyEnv)
		}
		if secretKey == "" {
			return fmt.Errorf("--secret-key or %s is required", secretKeyEnv)
		}

		sealer, err := newSealer()
		if err != nil {
			return err
		}
		remote := &types.Remote{
			Name:         args[0],
			Type:         types.RemoteTypeS3,
			Endpoint:     endpoint,
			Bucket:       bucket,
			Region:       region,
			AccessKey:    accessKey,
			UsePathStyle: pathStyle,
			CreatedAt:    time.Now().UTC(),
		}
		if err := sealer.SealRemote(remote, secretKey); err != nil {
			return err
		}
		return createRemote(remote)
	},
}

var remoteCreateClusterCmd = &cobra.Command{
	Use:   "create-cluster NAME",
	Short: "Create a remote storage cluster receiving backups over the network",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		address, _ := cmd.Flags().GetString("address")
		return createRemote(&types.Remote{
			Name:      args[0],
			Type:      types.RemoteTypeCluster,
			Address:   address,
			CreatedAt: time.Now().UTC(),
		})
	},
}

var remoteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List remotes",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		remotes, err := store.ListRemotes()
		if err != nil {
			return fmt.Errorf("failed to list remotes: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTYPE\tTARGET")
		for _, r := range remotes {
			target := r.Address
			if r.Type == types.RemoteTypeS3 {
				target = r.Bucket
				if url := health.EndpointURL(r); url != "" {
					target = url + "/" + r.Bucket
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, r.Type, target)
		}
		return w.Flush()
	},
}

var remoteDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a remote and every property enabling it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if _, err := store.GetRemote(args[0]); err != nil {
			return fmt.Errorf("failed to get remote: %w", err)
		}
		schedules := backupschedule.NewService(backupschedule.Options{Repository: store})
		if err := schedules.RemoveTasksByRemote(args[0]); err != nil {
			return err
		}
		if err := store.DeleteRemote(args[0]); err != nil {
			return fmt.Errorf("failed to delete remote: %w", err)
		}
		fmt.Printf("✓ Remote %s deleted\n", args[0])
		return nil
	},
}

var remoteCheckCmd = &cobra.Command{
	Use:   "check NAME",
	Short: "Check that an S3 remote is reachable and its credentials work",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		remote, err := store.GetRemote(args[0])
		if err != nil {
			return fmt.Errorf("failed to get remote: %w", err)
		}
		url := health.EndpointURL(remote)
		if url == "" {
			return fmt.Errorf("remote %s has no endpoint to check", remote.Name)
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Health.ProbeTimeout)
		defer cancel()

		result := health.NewHTTPChecker(url).
			WithMethod(http.MethodHead).
			WithStatusRange(100, 499).
			WithTimeout(cfg.Health.ProbeTimeout).
			Check(ctx)
		if !result.Healthy {
			return fmt.Errorf("%s unreachable: %s", url, result.Message)
		}
		fmt.Printf("✓ %s reachable (%s)\n", url, result.Duration.Round(time.Millisecond))

		sealer, err := newSealer()
		if err != nil {
			return err
		}
		objects, err := objectStores(sealer)(ctx, remote)
		if err != nil {
			return err
		}
		keys, err := objects.ListObjects(ctx, "")
		if err != nil {
			return fmt.Errorf("failed to list bucket %s: %w", remote.Bucket, err)
		}
		fmt.Printf("✓ Bucket %s readable, %d objects\n", remote.Bucket, len(keys))
		return nil
	},
}

func init() {
	remoteCmd.AddCommand(remoteCreateS3Cmd)
	remoteCmd.AddCommand(remoteCreateClusterCmd)
	remoteCmd.AddCommand(remoteListCmd)
	remoteCmd.AddCommand(remoteDeleteCmd)
	remoteCmd.AddCommand(remoteCheckCmd)

	remoteCreateS3Cmd.Flags().String("endpoint", "", "Endpoint of the object store, default AWS")
	remoteCreateS3Cmd.Flags().String("bucket", "", "Bucket receiving the backups")
	remoteCreateS3Cmd.Flags().String("region", "", "Region of the bucket")
	remoteCreateS3Cmd.Flags().String("access-key", "", "Access key ID")
	remoteCreateS3Cmd.Flags().String("secret-key", "", "Secret access key")
	remoteCreateS3Cmd.Flags().Bool("path-style", false, "Address the bucket in the URL path")
	_ = remoteCreateS3Cmd.MarkFlagRequired("bucket")
	_ = remoteCreateS3Cmd.MarkFlagRequired("access-key")

	remoteCreateClusterCmd.Flags().String("address", "", "Address of the receiving nodes as seen from the senders")
	_ = remoteCreateClusterCmd.MarkFlagRequired("address")
}

func createRemote(remote *types.Remote) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.CreateRemote(remote); err != nil {
		return fmt.Errorf("failed to create remote: %w", err)
	}
	fmt.Printf("✓ Remote %s created\n", remote.Name)
	return nil
}
