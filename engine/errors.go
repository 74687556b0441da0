package engine

import (
	"fmt"
	"strings"

	"github.com/isdmx/consolebox/safety"
	"github.com/isdmx/consolebox/sandbox"
)

// SafetyError is returned when a snippet is rejected by classification.
// The executor was never invoked.
type SafetyError struct {
	Analysis safety.Analysis
}

func (e *SafetyError) Error() string {
	reasons := e.Analysis.Reasons()
	if len(reasons) == 0 {
		return "rejected by safety policy: snippet is not read-only and safe mode is on"
	}
	return fmt.Sprintf("rejected by safety policy: %s", strings.Join(reasons, "; "))
}

// TimeoutError is returned when an admitted execution exceeds its budget.
type TimeoutError = sandbox.TimeoutError

// Failure messages for RunSafeQuery rejections
const (
	MethodNotAllowed = "method not allowed for safe queries"
	ModelNotAllowed  = "model not allowed for safe queries"
)
