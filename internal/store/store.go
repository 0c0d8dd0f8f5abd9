// ABOUTME: Store interface and data types for switchboard persistence
// ABOUTME: Defines Session, Lock, AgentSession, Account structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when trying to create a session that already exists.
// Surfaced distinctly from generic failure so callers can treat create as idempotent-safe.
var ErrDuplicateSession = errors.New("session already exists")

// LockType identifies the kind of resource a lock protects.
type LockType string

const (
	LockTypeFile     LockType = "file"
	LockTypeBranch   LockType = "branch"
	LockTypeResource LockType = "resource"
)

// ValidLockType reports whether t is one of the known lock types.
func ValidLockType(t LockType) bool {
	switch t {
	case LockTypeFile, LockTypeBranch, LockTypeResource:
		return true
	}
	return false
}

// LockMode is the sharing mode of a held lock.
type LockMode string

const (
	LockModeExclusive LockMode = "exclusive"
	LockModeShared    LockMode = "shared"
)

// ValidLockMode reports whether m is one of the known lock modes.
func ValidLockMode(m LockMode) bool {
	return m == LockModeExclusive || m == LockModeShared
}

// Session represents a live coordination session, one per agent working copy.
type Session struct {
	ID               string
	User             string
	Project          string
	CWD              string
	Branch           string
	ClientID         string
	CurrentOperation string
	FilesEditing     []string
	LastActivityAt   time.Time
}

// SessionFilter specifies filtering options for listing sessions.
type SessionFilter struct {
	ClientID *string
	Project  *string
}

// SessionPatch holds optional field updates for a session.
// Nil fields are left unchanged. Any update bumps last_activity.
type SessionPatch struct {
	Branch           *string
	CWD              *string
	CurrentOperation *string
	FilesEditing     *[]string
}

// Lock represents a held resource lock owned by a session.
type Lock struct {
	SessionID  string
	LockType   LockType
	Target     string
	Mode       LockMode
	AcquiredAt time.Time
}

// Bucket is the persisted state of one service's token bucket.
type Bucket struct {
	Service       string
	Tokens        float64
	LastRefillAt  time.Time
	RatePerMinute float64
}

// AgentSessionStatus is the lifecycle state of a spawned agent session.
type AgentSessionStatus string

const (
	AgentStatusPending   AgentSessionStatus = "pending"
	AgentStatusRunning   AgentSessionStatus = "running"
	AgentStatusCompleted AgentSessionStatus = "completed"
	AgentStatusFailed    AgentSessionStatus = "failed"
	AgentStatusKilled    AgentSessionStatus = "killed"
	AgentStatusTimeout   AgentSessionStatus = "timeout"
)

// Terminal reports whether the status admits no further transitions.
func (s AgentSessionStatus) Terminal() bool {
	switch s {
	case AgentStatusCompleted, AgentStatusFailed, AgentStatusKilled, AgentStatusTimeout:
		return true
	}
	return false
}

// AgentSession is the durable record of a spawned agent worker process.
type AgentSession struct {
	ID          string
	Status      AgentSessionStatus
	Prompt      string
	CWD         string
	Model       string
	PID         int
	Timeout     time.Duration
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExitCode    *int
	Error       string
	Result      string
	OutputPath  string
	CallbackURL string
}

// Account is a usage snapshot for one upstream credential.
type Account struct {
	ID              string
	UsagePercent    float64
	SevenDayPercent float64
	ResetTime       *time.Time
	FirstTokenDate  *time.Time
	LastUpdated     time.Time
	Email           string
	Notes           string
}

// AccountPatch holds optional field updates for an account.
type AccountPatch struct {
	UsagePercent    *float64
	SevenDayPercent *float64
	ResetTime       *time.Time
	FirstTokenDate  *time.Time
	Email           *string
	Notes           *string
}

// Store defines the interface for switchboard coordination persistence.
type Store interface {
	// Coordination sessions
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)
	UpdateSession(ctx context.Context, id string, patch SessionPatch, now time.Time) (bool, error)
	DeleteSession(ctx context.Context, id string) (bool, error)
	DeleteStaleSessions(ctx context.Context, cutoff time.Time) (int64, error)

	// Locks
	AcquireLock(ctx context.Context, sessionID string, lockType LockType, target string, mode LockMode, now time.Time) (*Lock, error)
	ReleaseLock(ctx context.Context, sessionID string, lockType LockType, target string) (bool, error)
	ReleaseAllLocks(ctx context.Context, sessionID string) (int64, error)
	FindConflictingLock(ctx context.Context, sessionID string, lockType LockType, target string, mode LockMode) (*Lock, error)
	ListLocksBySession(ctx context.Context, sessionID string) ([]*Lock, error)

	// Rate-limit budgets
	TakeToken(ctx context.Context, service string, ratePerMinute float64, now time.Time) (allowed bool, remaining float64, retryAfter time.Duration, err error)
	AcquireSlot(ctx context.Context, service string, limit int) (allowed bool, remaining int, err error)
	ReleaseSlot(ctx context.Context, service string) error

	// Agent sessions
	CreateAgentSession(ctx context.Context, s *AgentSession) error
	CreateAgentSessionIfUnderCap(ctx context.Context, s *AgentSession, max int) (bool, error)
	GetAgentSession(ctx context.Context, id string) (*AgentSession, error)
	ListAgentSessions(ctx context.Context, status AgentSessionStatus) ([]*AgentSession, error)
	CountActiveAgentSessions(ctx context.Context) (int, error)
	MarkAgentSessionRunning(ctx context.Context, id string, pid int, startedAt time.Time) error
	FinishAgentSession(ctx context.Context, id string, status AgentSessionStatus, exitCode *int, errMsg, result string, completedAt time.Time) (bool, error)
	ReconcileInterruptedAgentSessions(ctx context.Context, errMsg string, now time.Time) (int64, error)
	DeleteAgentSessionsBefore(ctx context.Context, cutoff time.Time) ([]*AgentSession, error)

	// Accounts
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	UpsertAccount(ctx context.Context, id string, patch AccountPatch, now time.Time) error

	// Close releases any resources held by the store
	Close() error
}
