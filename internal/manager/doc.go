// Package manager owns model lifecycle and chat completion for the server.
// It is split into small files by concern:
//
//   - manager.go: Manager type, constructor, shutdown.
//   - config.go: Config and package defaults; NewWithConfig applies them.
//   - types.go: per-model lifecycle State and Status.
//   - errors.go: the error taxonomy (Kind, *Error) and helpers.
//   - ensure.go: GetOrLoad single-flight, download observer, startup scan.
//   - admission.go: worker capacity.
//   - inference.go: Complete, the chat dispatcher.
//   - status_report.go: status and model listings.
//   - ops.go: background operations such as StartDownload.
//   - sanity.go: environment checks behind `coderd doctor`.
//   - events.go, metrics.go: lifecycle events and Prometheus collectors.
//
// External packages should use public methods only; internal state is
// subject to change.
package manager
