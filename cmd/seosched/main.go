// Package main is the seosched entrypoint.
//
// Roles:
//   - serve: HTTP API (entity lookup, onboarding and manual triggers), the
//     worker pool and the periodic beat in one process.
//   - worker / beat: the same loops split out, for deployments that scale
//     workers independently of the single beat.
//   - sweep: one recovery pass, suitable for an external cron.
//   - enqueue: place a run for one entity from the shell.
//
// Configuration comes from --config plus SEOSCHED_* environment overrides.
// Without redis.addr and db.dsn everything runs in-process, which is only
// safe for a single replica.
package main

import "github.com/JakeFAU/seo-crawl-scheduler/cmd"

func main() {
	cmd.Execute()
}
