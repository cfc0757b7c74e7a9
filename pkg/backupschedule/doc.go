/*
Package backupschedule arms scheduled backups on the scheduler.

A definition exists for every resource definition, remote and schedule
combination whose Schedule/{remote}/{schedule}/Enabled property is true on
the resource definition, its resource group or the controller (first hit
wins). Each definition owns a one-shot scheduler task:

	armed ──fire──► in flight ──BackupFinished──► armed
	  │                                             │
	  └────────── RemoveTasksBy* ──► removed ◄──────┘

When the task fires it hands a BackupRequest to the Starter and ends. The
definition stays active until the shipment reports through BackupFinished,
which decides the next run with schedule.Decide from the start time and the
outcome of the finished run.

Failed runs of RETRY schedules are retried after schedule.FailureRetryDelay
until MaxRetries is exhausted; the failure is then skipped and the next
regular window is used.

Definitions are indexed by schedule, remote and resource so that deleting
any of them removes the affected definitions in one step. Deleting a
schedule or a remote also removes the properties referencing it.
*/
package backupschedule
