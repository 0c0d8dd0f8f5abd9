// ABOUTME: Coordination rules translating operations into required lock modes
// ABOUTME: checkOperation enriches conflicts with the blocking session's identity

package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/switchboard/internal/store"
)

// Operation is a high-level action a session performs on a target.
type Operation string

const (
	OpEdit   Operation = "Edit"
	OpWrite  Operation = "Write"
	OpDelete Operation = "Delete"
	OpRead   Operation = "Read"
	OpBash   Operation = "Bash"
)

// RequiredMode maps an operation to the lock mode it needs. The second
// return is false for operations that require no lock at all.
//
// Bash requires no lock: shell commands are assumed not to touch tracked
// resources. This is a recorded policy choice pending product confirmation,
// not an oversight to fix here.
func RequiredMode(op Operation) (store.LockMode, bool, error) {
	switch op {
	case OpEdit, OpWrite, OpDelete:
		return store.LockModeExclusive, true, nil
	case OpRead:
		return store.LockModeShared, true, nil
	case OpBash:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("unknown operation %q", op)
	}
}

// ClassifyTarget infers the lock type from the target string: branch
// references ("refs/..." or "branch:...") and the reserved "resource:"
// prefix classify specially, everything else is a file path.
func ClassifyTarget(target string) store.LockType {
	if strings.HasPrefix(target, "refs/") || strings.HasPrefix(target, "branch:") {
		return store.LockTypeBranch
	}
	if strings.HasPrefix(target, "resource:") {
		return store.LockTypeResource
	}
	return store.LockTypeFile
}

// ConflictInfo describes the session blocking an operation. The client_id,
// user, and current operation come from the registry so a human or agent
// can decide what to do; this is advisory, not enforcement.
type ConflictInfo struct {
	SessionID        string
	ClientID         string
	User             string
	CurrentOperation string
	Mode             store.LockMode
	AcquiredAt       time.Time
}

// OperationDecision is the outcome of a checkOperation call.
type OperationDecision struct {
	Allowed      bool
	Operation    Operation
	LockType     store.LockType
	RequiredMode store.LockMode // empty when the operation needs no lock
	Conflict     *ConflictInfo
}

// Rules combines the lock manager and session registry into the operation
// policy surface.
type Rules struct {
	locks    *LockManager
	registry *Registry
	logger   *slog.Logger
}

// NewRules creates the coordination rules service.
func NewRules(locks *LockManager, registry *Registry, logger *slog.Logger) *Rules {
	return &Rules{
		locks:    locks,
		registry: registry,
		logger:   logger.With("component", "rules"),
	}
}

// CheckOperation derives the required lock mode for the operation, checks
// for conflicts, and enriches any conflict with the blocking session's
// identity. No lock state changes.
func (r *Rules) CheckOperation(ctx context.Context, sessionID string, op Operation, target string) (*OperationDecision, error) {
	mode, needsLock, err := RequiredMode(op)
	if err != nil {
		return nil, err
	}

	decision := &OperationDecision{
		Allowed:   true,
		Operation: op,
		LockType:  ClassifyTarget(target),
	}

	if !needsLock {
		return decision, nil
	}
	decision.RequiredMode = mode

	conflict, err := r.locks.CheckConflict(ctx, sessionID, decision.LockType, target, mode)
	if err != nil {
		return nil, err
	}
	if conflict == nil {
		return decision, nil
	}

	decision.Allowed = false
	decision.Conflict = &ConflictInfo{
		SessionID:  conflict.SessionID,
		Mode:       conflict.Mode,
		AcquiredAt: conflict.AcquiredAt,
	}

	blocker, err := r.registry.Get(ctx, conflict.SessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Lock outlived its registry row; report the id alone.
	case err != nil:
		return nil, err
	default:
		decision.Conflict.ClientID = blocker.ClientID
		decision.Conflict.User = blocker.User
		decision.Conflict.CurrentOperation = blocker.CurrentOperation
	}

	r.logger.Debug("operation blocked",
		"session_id", sessionID,
		"operation", op,
		"target", target,
		"blocking_session", conflict.SessionID,
	)
	return decision, nil
}
