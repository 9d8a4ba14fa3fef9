// Package lib provides a Go SDK for the codebroker HTTP API.
//
// This package allows applications to submit tasks, follow their tool calls
// and resolve the approvals they wait on without shelling out to the
// codebroker CLI binary. It talks to a running `codebroker serve` instance.
//
// # Quick Start
//
//	client, err := lib.New(lib.Config{URL: "http://127.0.0.1:8080"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Run a task and wait for its result.
//	task, err := client.SubmitTask(ctx, lib.SubmitTaskOpts{
//	    WorkspaceID: "ws1",
//	    Code:        `return await tools.github.repos.list({});`,
//	    Mode:        lib.SubmitModeSync,
//	})
//
// # Approvals
//
// Tool calls that need a human decision park the task until an approval is
// resolved:
//
//	approvals, _ := client.ListApprovals(ctx, &lib.ListApprovalsOpts{TaskID: task.ID})
//	client.Approve(ctx, approvals[0].ID, lib.ResolveApprovalOpts{ReviewerID: "alice"})
//
// # Errors
//
// API errors can be checked with [errors.Is]:
//
//   - [ErrNotFound]: Resource does not exist.
//   - [ErrNotValid]: Invalid request.
//   - [ErrConflict]: The resource state does not allow the operation (e.g an already resolved approval).
//   - [ErrUnauthorized]: The request was rejected by the broker.
package lib
