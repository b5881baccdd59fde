// Package agent contains the task and step state machine behind the agent
// protocol. It serialises step execution per task, delegates the work of a
// step to an Executor, and keeps artifact metadata and content in sync.
package agent
