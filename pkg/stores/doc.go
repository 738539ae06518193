// Package stores provides the persistence layer of the reconciler: the
// last committed snapshot per scope, accepted desired states, drift and
// violation findings, remediation records, pass history, the audit log and
// the event log. A SQLite implementation with embedded migrations and an
// in-memory implementation share the same finding reconciliation rules.
package stores
