package core

import (
	"context"

	"pkt.systems/weft/schema"
)

// Launcher starts agent processes speaking the proto stdio protocol.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (AgentHandle, error)
}

// LaunchSpec describes one agent invocation.
type LaunchSpec struct {
	Conversation   schema.ConversationID
	Model          schema.ModelID
	Cwd            string
	ApprovalPolicy schema.ApprovalPolicy
	SandboxMode    schema.SandboxMode
	Provider       string
}

// AgentHandle exposes the event stream, submission channel, and process
// lifecycle controls for one running agent.
type AgentHandle interface {
	Events() EventStream
	Submit(ctx context.Context, sub schema.Submission) error
	Signal(ctx context.Context, sig ProcessSignal) error
	Wait(ctx context.Context) (RunResult, error)
	Close() error
}

// EventStream yields decoded events from the agent's stdout.
type EventStream interface {
	Next(ctx context.Context) (schema.Event, error)
	Close() error
}

// RunResult describes the process outcome.
type RunResult struct {
	ExitCode int
}

// ProcessSignal indicates which signal to send to the process.
type ProcessSignal string

const (
	// ProcessSignalTERM requests a termination signal.
	ProcessSignalTERM ProcessSignal = "TERM"
	// ProcessSignalKILL requests an immediate kill signal.
	ProcessSignalKILL ProcessSignal = "KILL"
)
