package model

import "strings"

// CheckStatus is the status of a runtime health check.
type CheckStatus string

const (
	CheckStatusOK      CheckStatus = "ok"
	CheckStatusWarning CheckStatus = "warning"
	CheckStatusError   CheckStatus = "error"
)

// CheckResult is the result of a single runtime health check. Registry checks
// prefix the ID with the runtime id (e.g "container/docker").
type CheckResult struct {
	ID      string
	Message string
	Status  CheckStatus
}

// Runtime returns the runtime id prefix of the check ID, empty if the check is not prefixed.
func (c CheckResult) Runtime() string {
	id, _, ok := strings.Cut(c.ID, "/")
	if !ok {
		return ""
	}
	return id
}

// CheckSummary counts the check results by status.
type CheckSummary struct {
	OK       int
	Warnings int
	Errors   int
}

// SummarizeChecks counts the check results by status.
func SummarizeChecks(results []CheckResult) CheckSummary {
	var s CheckSummary
	for _, r := range results {
		switch r.Status {
		case CheckStatusOK:
			s.OK++
		case CheckStatusWarning:
			s.Warnings++
		case CheckStatusError:
			s.Errors++
		}
	}
	return s
}

// Failed returns true when at least one check errored.
func (s CheckSummary) Failed() bool { return s.Errors > 0 }
