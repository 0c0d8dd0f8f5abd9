// Package accounts schedules requests across multiple upstream accounts by
// comparing remaining usage budget against time until the budget resets.
// Snapshots of per-account usage arrive via a TOML file maintained outside
// this process; selection itself is a pure read over the stored snapshots.
package accounts
