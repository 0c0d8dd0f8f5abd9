// Package orchestrator manages the lifecycle of agent worker processes:
// spawn with admission checks, wall-clock timeouts, graceful kill with
// SIGKILL escalation, startup recovery, and artifact cleanup.
//
// Every state transition is persisted before the corresponding process
// action, so a crash between the two leaves a record that startup
// recovery can resolve. Terminal states are first-writer-wins: a late
// exit event never overwrites a kill or timeout.
package orchestrator
