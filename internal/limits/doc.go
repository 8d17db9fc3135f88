// Package limits holds the coordinator-owned admission-control state: the
// fleet-wide cooldown table and the fleet-wide concurrency counts, plus the
// TOML data file that declares which commands are rate limited and how.
//
// The coordinator is the single source of truth for this state. Workers
// never track it locally; they ask over the wire before running anything.
package limits
