// Package engine orchestrates one call: classify the snippet, reject it or
// execute it inside a resource scope, record the audit entry and return.
//
// Rejections surface as *SafetyError and blown budgets as *TimeoutError;
// syntax and runtime failures of an admitted snippet are reported inside
// the sandbox.Result. Calls are never retried.
package engine
