// Package audit records every request decision and every detected attack.
//
// Writes go through a Logger, which queues them for a single writer goroutine
// and applies them to a Sink in order. When the sink fails, the logger retries
// with exponential backoff and reports itself unhealthy. Once the backlog
// reaches the configured limit, Admit refuses new work so that no tool runs
// without an audit trail. Records already admitted are always completed.
package audit
