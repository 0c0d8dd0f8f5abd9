// Package coordination implements the session registry, lock manager, and
// operation rules that let concurrent agent sessions share resources safely.
//
// The lock manager grants exclusive and shared locks on (type, target)
// pairs; conflict evaluation and the grant happen in one store transaction.
// The rules layer maps high-level operations (Edit, Read, Bash, ...) onto
// required lock modes and enriches denials with the blocking session's
// identity from the registry. All results are advisory allow/deny decisions;
// nothing here blocks or queues.
package coordination
