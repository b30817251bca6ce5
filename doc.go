// Package relay is the control plane of a multi-tenant agent execution
// service. It orchestrates agent runs: a worker drives an LLM in a loop
// that may call tools, a streaming processor turns the raw LLM stream
// into an ordered sequence of persisted response items, a shared buffer
// fans those items out to any number of live viewers, and a trigger
// subsystem starts runs from schedules and webhooks.
//
// The root package holds the domain model shared by every subsystem:
// runs and their lifecycle, response items, tool calls, the run
// registry, and error classification. The moving parts live in
// subpackages:
//
//   - llm: normalized streaming chunk model and provider adapters
//   - tools: tool registry and builtin tools
//   - processor: the streaming response state machine
//   - buffer: the per-run response buffer and pub/sub broker
//   - worker: the per-run worker loop
//   - store: SQLite persistence for messages, runs and triggers
//   - trigger: trigger service, providers and the execution bridge
//   - workflow: step trees and workflow prompt rendering
//   - sandbox: isolated execution environments for runs
//   - serve: the HTTP surface, including the run event stream
package relay
