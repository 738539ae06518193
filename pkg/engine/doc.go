// Package engine provides the core types, error taxonomy and collaborator
// interfaces of the CloudOps reconciliation engine.
//
// # Overview
//
// The reconciliation engine runs one pass per scope (provider/account/region):
//
//  1. Observe - enumerate resources through a CloudAdapter
//  2. Detect Drift - compare observations with accepted DesiredState
//  3. Evaluate Policy - run PolicyRules over each resource and its drift
//  4. Detect Cost Anomalies - flag spend outside its rolling baseline
//  5. Plan Remediation - turn auto-remediable violations into Actions
//  6. Execute - apply Actions with retries and a stale-state safety gate
//  7. Verify - the next pass confirms convergence or escalates flapping
//
// # Core Domain Types
//
//   - ResourceIdentity: stable (provider, account, region, type, native id) key
//   - ObservedResource: attributes and content hash seen in one pass
//   - DesiredState: attributes accepted through an explicit baseline
//   - DriftEvent: classified divergence with ordered field diffs
//   - PolicyViolation: a rule firing against one resource
//   - CostAnomaly: spend outside the expected range
//   - Action / RemediationRecord: a corrective operation and its history
//   - PassRecord: metadata of one reconciliation pass
//
// # Error Taxonomy
//
//   - AdapterError: classified provider failure (retryable or terminal)
//   - ReconciliationError: systemic failure aborting one scope's pass
//   - PolicyEvaluationError: one rule failing on one resource
//   - RemediationError: terminal remediation failure
//
// # Hashing
//
// Attribute maps and actions are hashed over canonical JSON so that the
// content hash of a resource and the idempotency key of an action are
// stable across processes and map iteration order.
package engine
