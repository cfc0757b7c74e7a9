/*
Package reconciler repairs drift between the stored state and the running
services.

The Sweeper is a recurring scheduler unit. Every run it

  - arms the backup definitions that are enabled on a resource definition
    but not armed, for instance after a property was set while the
    resource was being created, and
  - drops the started and finished shipping records of snapshots that no
    longer exist in the store, unless a shipment of the snapshot is in
    flight.

The interval is read before every run from the controller property
Sweeper/RunEvery, in minutes. Missing or invalid values fall back to the
interval the sweeper was created with. Errors reading the store are
returned to the scheduler, which retries after its default retry delay.
*/
package reconciler
