package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/collabmesh/core"
)

// EchoProvider is a deterministic capability provider that answers every
// task with a fixed-shape result echoing the objective. It records all
// executed tasks and delivered messages for assertions.
type EchoProvider struct {
	Caps []string

	mu       sync.Mutex
	tasks    []core.Task
	messages []core.Message
}

// NewEchoProvider creates an EchoProvider advertising the given capabilities.
func NewEchoProvider(caps ...string) *EchoProvider {
	return &EchoProvider{Caps: caps}
}

// Capabilities returns the advertised capability set.
func (p *EchoProvider) Capabilities() []string { return p.Caps }

// Execute records the task and echoes its objective back as output.
func (p *EchoProvider) Execute(_ context.Context, task core.Task) (core.Result, error) {
	p.mu.Lock()
	p.tasks = append(p.tasks, task)
	p.mu.Unlock()
	return core.Result{
		TaskID:   task.ID,
		Output:   map[string]any{"echo": task.Objective},
		Approved: true,
	}, nil
}

// OnMessage records the delivered message.
func (p *EchoProvider) OnMessage(msg core.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
}

// Tasks returns a copy of all executed tasks.
func (p *EchoProvider) Tasks() []core.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.Task(nil), p.tasks...)
}

// Messages returns a copy of all delivered messages.
func (p *EchoProvider) Messages() []core.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.Message(nil), p.messages...)
}

// FlakyProvider fails its first FailCount executions, then behaves like an
// EchoProvider. It lets tests script the fails-once-then-succeeds sequences
// the adapting flowchart engine must survive.
type FlakyProvider struct {
	EchoProvider
	FailCount int

	mu       sync.Mutex
	failures int
}

// NewFlakyProvider creates a provider that fails the first failCount tasks.
func NewFlakyProvider(failCount int, caps ...string) *FlakyProvider {
	return &FlakyProvider{EchoProvider: EchoProvider{Caps: caps}, FailCount: failCount}
}

// Execute fails while failures remain, then delegates to the echo behavior.
func (p *FlakyProvider) Execute(ctx context.Context, task core.Task) (core.Result, error) {
	p.mu.Lock()
	if p.failures < p.FailCount {
		p.failures++
		n := p.failures
		p.mu.Unlock()
		return core.Result{}, fmt.Errorf("scripted failure %d of %d", n, p.FailCount)
	}
	p.mu.Unlock()
	return p.EchoProvider.Execute(ctx, task)
}

// RejectingProvider behaves like an EchoProvider but disapproves the first
// RejectCount verification requests. Used to exercise the verify-reject-adapt
// path.
type RejectingProvider struct {
	EchoProvider
	RejectCount int

	mu        sync.Mutex
	rejections int
}

// NewRejectingProvider creates a provider that rejects the first n tasks.
func NewRejectingProvider(n int, caps ...string) *RejectingProvider {
	return &RejectingProvider{EchoProvider: EchoProvider{Caps: caps}, RejectCount: n}
}

// Execute approves only after RejectCount rejections have been issued.
func (p *RejectingProvider) Execute(ctx context.Context, task core.Task) (core.Result, error) {
	res, err := p.EchoProvider.Execute(ctx, task)
	if err != nil {
		return res, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rejections < p.RejectCount {
		p.rejections++
		res.Approved = false
		res.Notes = "rejected by scripted verifier"
	}
	return res, nil
}

// SilentProvider never answers: Execute blocks until the context is
// cancelled. Used to exercise delegate timeouts.
type SilentProvider struct {
	EchoProvider
}

// NewSilentProvider creates a provider that ignores every task.
func NewSilentProvider(caps ...string) *SilentProvider {
	return &SilentProvider{EchoProvider: EchoProvider{Caps: caps}}
}

// Execute blocks until cancellation.
func (p *SilentProvider) Execute(ctx context.Context, task core.Task) (core.Result, error) {
	<-ctx.Done()
	return core.Result{}, ctx.Err()
}
