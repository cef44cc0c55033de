// Package downloadertest provides an in-memory download backend for tests.
package downloadertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"feedloom/internal/downloader"
)

// Adapter is a scriptable backend. Tests drive task events through Complete,
// Fail, PauseRemote and ResumeRemote.
type Adapter struct {
	name string

	mu        sync.Mutex
	ready     bool
	initErrs  []error
	createErr error
	tasks     map[int64]*Task
	requests  []downloader.TaskRequest
	inits     int
	closed    bool
}

// New returns a ready fake adapter.
func New(name string) *Adapter {
	return &Adapter{name: name, ready: true, tasks: make(map[int64]*Task)}
}

// FailInitialize makes the next len(errs) Initialize calls fail.
func (a *Adapter) FailInitialize(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ready = false
	a.initErrs = append(a.initErrs, errs...)
}

// SetReady overrides the readiness reported by Ready.
func (a *Adapter) SetReady(ready bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ready = ready
}

// FailCreate makes CreateTask return err until cleared with nil.
func (a *Adapter) FailCreate(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.createErr = err
}

// Name implements downloader.Adapter.
func (a *Adapter) Name() string { return a.name }

// Initialize implements downloader.Adapter.
func (a *Adapter) Initialize(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inits++
	if len(a.initErrs) > 0 {
		err := a.initErrs[0]
		a.initErrs = a.initErrs[1:]
		return err
	}
	a.ready = true
	return nil
}

// InitializeCalls returns how many times Initialize ran.
func (a *Adapter) InitializeCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inits
}

// Ready implements downloader.Adapter.
func (a *Adapter) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready && !a.closed
}

// CreateTask implements downloader.Adapter.
func (a *Adapter) CreateTask(_ context.Context, req downloader.TaskRequest) (downloader.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.createErr != nil {
		return nil, a.createErr
	}
	task := &Task{id: req.ID, emitter: downloader.NewEmitter(), adapter: a}
	a.tasks[req.ID] = task
	a.requests = append(a.requests, req)
	return task, nil
}

// State implements downloader.Adapter.
func (a *Adapter) State(_ context.Context, task downloader.Task) (downloader.State, error) {
	t, ok := a.Task(task.ID())
	if !ok {
		return downloader.State{}, fmt.Errorf("unknown task %d", task.ID())
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, nil
}

// Close implements downloader.Adapter.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// Task returns the task created for an item id.
func (a *Adapter) Task(id int64) (*Task, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tasks[id]
	return t, ok
}

// Requests returns every request passed to CreateTask.
func (a *Adapter) Requests() []downloader.TaskRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]downloader.TaskRequest, len(a.requests))
	copy(out, a.requests)
	return out
}

// Task is a fake download handle.
type Task struct {
	id      int64
	emitter *downloader.Emitter
	adapter *Adapter

	mu       sync.Mutex
	state    downloader.State
	removes  int
	pauseErr error
}

// ID implements downloader.Task.
func (t *Task) ID() int64 { return t.id }

// Events implements downloader.Task.
func (t *Task) Events() <-chan downloader.Event { return t.emitter.Events() }

// Pause implements downloader.Task.
func (t *Task) Pause(context.Context) error {
	t.mu.Lock()
	err := t.pauseErr
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if t.emitter.Closed() {
		return errors.New("task finished")
	}
	t.emitter.Paused()
	return nil
}

// Unpause implements downloader.Task.
func (t *Task) Unpause(context.Context) error {
	if t.emitter.Closed() {
		return errors.New("task finished")
	}
	t.emitter.Started()
	return nil
}

// Remove implements downloader.Task.
func (t *Task) Remove(context.Context) error {
	t.mu.Lock()
	t.removes++
	t.mu.Unlock()
	t.emitter.Removed()
	return nil
}

// Removes returns how many times Remove was called.
func (t *Task) Removes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removes
}

// SetState sets the snapshot returned by Adapter.State.
func (t *Task) SetState(state downloader.State) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
}

// Complete emits done with files.
func (t *Task) Complete(files ...downloader.File) bool { return t.emitter.Done(files) }

// Fail emits failed with reason.
func (t *Task) Fail(reason string) bool { return t.emitter.Failed(reason) }

// PauseRemote emits paused as if the backend paused on its own.
func (t *Task) PauseRemote() bool { return t.emitter.Paused() }

// ResumeRemote emits started as if the backend resumed on its own.
func (t *Task) ResumeRemote() bool { return t.emitter.Started() }

// RemoveRemote emits removed as if the backend dropped the task.
func (t *Task) RemoveRemote() bool { return t.emitter.Removed() }
