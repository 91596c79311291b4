// Package triggers starts and maintains workflows from outside the engine's
// inbound API.
//
// Scheduler fires workflows whose trigger declares a cron schedule:
//
//	trigger:
//	  capability_id: manual
//	  schedule: "0 9 * * 1-5"
//
// DirectoryWatcher applies definition files from a directory, creating a
// workflow for each new file and a new version for each changed one. Pair
// it with Scheduler.Sync through OnApply so edited schedules take effect
// without a restart.
package triggers
