package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrRunNotFound      = errors.New("run not found")
	ErrCaseNotFound     = errors.New("case not found")
	ErrApprovalNotFound = errors.New("approval not found")
)
