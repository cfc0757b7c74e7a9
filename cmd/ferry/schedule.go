package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/ferry/pkg/backupschedule"
	"github.com/cuemby/ferry/pkg/schedule"
	"github.com/cuemby/ferry/pkg/types"
	"github.com/spf13/cobra"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage backup schedules",
}

var scheduleCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a backup schedule",
	Long: `Create a backup schedule from cron expressions with five fields
(minute, hour, day of month, month, day of week).

Example:
  ferry schedule create nightly --full "0 2 * * *" --inc "0 */4 * * *" --keep-local 3`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sched := &types.Schedule{Name: args[0]}
		if err := applyScheduleFlags(cmd, sched); err != nil {
			return err
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		now := time.Now().UTC()
		sched.CreatedAt = now
		sched.UpdatedAt = now
		if err := store.CreateSchedule(sched); err != nil {
			return fmt.Errorf("failed to create schedule: %w", err)
		}
		fmt.Printf("✓ Schedule %s created\n", sched.Name)
		return nil
	},
}

var scheduleModifyCmd = &cobra.Command{
	Use:   "modify NAME",
	Short: "Change a backup schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		sched, err := store.GetSchedule(args[0])
		if err != nil {
			return fmt.Errorf("failed to get schedule: %w", err)
		}
		if err := applyScheduleFlags(cmd, sched); err != nil {
			return err
		}
		sched.UpdatedAt = time.Now().UTC()
		if err := store.UpdateSchedule(sched); err != nil {
			return fmt.Errorf("failed to update schedule: %w", err)
		}
		fmt.Printf("✓ Schedule %s updated\n", sched.Name)
		return nil
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		schedules, err := store.ListSchedules()
		if err != nil {
			return fmt.Errorf("failed to list schedules: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tFULL\tINCREMENTAL\tKEEP LOCAL\tKEEP REMOTE\tON FAILURE\tMAX RETRIES\tLOCATION")
		for _, s := range schedules {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%d\t%s\n",
				s.Name, s.FullCron, orDash(s.IncCron), s.KeepLocal, s.KeepRemote,
				s.OnFailure, s.MaxRetries, orDash(s.Location))
		}
		return w.Flush()
	},
}

var scheduleDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a backup schedule and every property enabling it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if _, err := store.GetSchedule(args[0]); err != nil {
			return fmt.Errorf("failed to get schedule: %w", err)
		}
		schedules := backupschedule.NewService(backupschedule.Options{Repository: store})
		if err := schedules.RemoveTasksBySchedule(args[0]); err != nil {
			return err
		}
		if err := store.DeleteSchedule(args[0]); err != nil {
			return fmt.Errorf("failed to delete schedule: %w", err)
		}
		fmt.Printf("✓ Schedule %s deleted\n", args[0])
		return nil
	},
}

var scheduleNextCmd = &cobra.Command{
	Use:   "next NAME",
	Short: "Show the next backups a schedule starts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		sched, err := store.GetSchedule(args[0])
		if err != nil {
			return fmt.Errorf("failed to get schedule: %w", err)
		}
		windows, err := schedule.FromSchedule(sched)
		if err != nil {
			return err
		}

		at := time.Now()
		for i := 0; i < count; i++ {
			next, kind := windows.NextFull(at), "full"
			if incr, ok := windows.NextIncr(at); ok && incr.Before(next) {
				next, kind = incr, "incremental"
			}
			fmt.Printf("%s  %s\n", next.Format(time.RFC3339), kind)
			at = next
		}
		return nil
	},
}

func init() {
	scheduleCmd.AddCommand(scheduleCreateCmd)
	scheduleCmd.AddCommand(scheduleModifyCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleDeleteCmd)
	scheduleCmd.AddCommand(scheduleNextCmd)

	for _, c := range []*cobra.Command{scheduleCreateCmd, scheduleModifyCmd} {
		c.Flags().String("full", "", "Cron expression of full backups")
		c.Flags().String("inc", "", "Cron expression of incremental backups, empty disables them")
		c.Flags().Int("keep-local", 0, "Snapshots kept locally, 0 keeps all")
		c.Flags().Int("keep-remote", 0, "Backups kept on the remote, 0 keeps all")
		c.Flags().String("on-failure", string(types.OnFailureSkip), "What to do after a failed backup (SKIP or RETRY)")
		c.Flags().Int("max-retries", 0, "Retries with --on-failure RETRY, 0 retries forever")
		c.Flags().String("location", "", "Time zone of the cron expressions, default UTC")
	}
	_ = scheduleCreateCmd.MarkFlagRequired("full")

	scheduleNextCmd.Flags().Int("count", 5, "Number of backups to show")
}

// applyScheduleFlags copies the changed flags onto sched and validates the
// result
func applyScheduleFlags(cmd *cobra.Command, sched *types.Schedule) error {
	flags := cmd.Flags()
	if flags.Changed("full") {
		sched.FullCron, _ = flags.GetString("full")
	}
	if flags.Changed("inc") {
		sched.IncCron, _ = flags.GetString("inc")
	}
	if flags.Changed("keep-local") {
		sched.KeepLocal, _ = flags.GetInt("keep-local")
	}
	if flags.Changed("keep-remote") {
		sched.KeepRemote, _ = flags.GetInt("keep-remote")
	}
	if flags.Changed("on-failure") || sched.OnFailure == "" {
		onFailure, _ := flags.GetString("on-failure")
		sched.OnFailure = types.OnFailure(strings.ToUpper(onFailure))
	}
	if flags.Changed("max-retries") {
		sched.MaxRetries, _ = flags.GetInt("max-retries")
	}
	if flags.Changed("location") {
		sched.Location, _ = flags.GetString("location")
	}

	if !sched.OnFailure.Valid() {
		return fmt.Errorf("--on-failure must be SKIP or RETRY, got %q", sched.OnFailure)
	}
	if sched.KeepLocal < 0 || sched.KeepRemote < 0 || sched.MaxRetries < 0 {
		return fmt.Errorf("--keep-local, --keep-remote and --max-retries must not be negative")
	}
	_, err := schedule.FromSchedule(sched)
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
