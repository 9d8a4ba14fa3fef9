package runtime

import (
	"fmt"
	"time"

	"github.com/slok/codebroker/internal/model"
)

// Report is the terminal result of a run as the out of process backends send
// it over the wire (isolate host responses, callback worker output).
type Report struct {
	Status   model.TaskStatus `json:"status"`
	Result   any              `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
	ExitCode *int             `json:"exitCode,omitempty"`
	Stdout   string           `json:"stdout,omitempty"`
	Stderr   string           `json:"stderr,omitempty"`
}

// NewReport returns the report of a run result.
func NewReport(rr model.RunResult) Report {
	return Report{
		Status:   rr.Status,
		Result:   rr.Result,
		Error:    rr.Error,
		ExitCode: rr.ExitCode,
		Stdout:   rr.Stdout,
		Stderr:   rr.Stderr,
	}
}

// RunResult returns the run result of a received report. Non terminal statuses
// fail the run and failures carrying the denied sentinel become denied.
func (r Report) RunResult(duration time.Duration) model.RunResult {
	if !r.Status.IsTerminal() {
		return Failure(fmt.Sprintf("invalid result status %q", r.Status), r.ExitCode, duration)
	}

	rr := model.RunResult{
		Status:   r.Status,
		ExitCode: r.ExitCode,
		Error:    r.Error,
		Result:   r.Result,
		Stdout:   r.Stdout,
		Stderr:   r.Stderr,
		Duration: duration,
	}
	if rr.Status == model.TaskStatusFailed {
		rr.Status = ClassifyError(rr.Error)
	}

	return rr
}
