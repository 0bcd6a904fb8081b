// Package core implements the challenge instance runtime. It contains the
// Runtime (lifecycle state machine with shutdown drain and per-slot
// provision flights), the Registry (in-memory instance table with
// write-through persistence and transition enforcement), the sweep
// scheduler (TTL reclaim, stuck-teardown recovery, health reconcile, and
// retention purge), and the backend health aggregator.
package core
