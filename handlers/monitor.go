package handlers

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/smnsjas/go-nugetplugin/messages"
)

// ProcessProber reports whether the process with the given id is alive.
type ProcessProber func(pid int) bool

// defaultProber sends signal 0, which probes for existence without
// delivering anything to the process.
func defaultProber(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// MonitorOptions configures a MonitorProcessExitHandler.
type MonitorOptions struct {
	// Prober overrides process aliveness checks. Nil means a signal-0 probe.
	Prober ProcessProber
	// PollInterval is the gap between aliveness checks. Zero means one second.
	PollInterval time.Duration
}

func (o *MonitorOptions) withDefaults() *MonitorOptions {
	var out MonitorOptions
	if o != nil {
		out = *o
	}
	if out.Prober == nil {
		out.Prober = defaultProber
	}
	if out.PollInterval <= 0 {
		out.PollInterval = time.Second
	}
	return &out
}

// MonitorProcessExitHandler watches the client process named in a
// MonitorNuGetProcessExit request and runs onExit when that process
// terminates, so a plugin orphaned by a dead client gets torn down with it.
type MonitorProcessExitHandler struct {
	prober   ProcessProber
	interval time.Duration
	onExit   func()
	stop     <-chan struct{}

	// At most one watcher per handler, however many times the plugin asks.
	watchOnce sync.Once
}

// NewMonitorProcessExitHandler builds the handler. onExit runs at most once,
// from the watcher goroutine. Closing stop ends the watch without firing
// onExit; pass the owning plugin's done channel.
func NewMonitorProcessExitHandler(onExit func(), stop <-chan struct{}, opts *MonitorOptions) *MonitorProcessExitHandler {
	opts = opts.withDefaults()
	return &MonitorProcessExitHandler{
		prober:   opts.Prober,
		interval: opts.PollInterval,
		onExit:   onExit,
		stop:     stop,
	}
}

// Handle resolves the process id and starts the exit watcher. NotFound means
// the id does not resolve to a live process.
func (h *MonitorProcessExitHandler) Handle(ctx context.Context, req *messages.Message) (any, error) {
	payload, err := messages.DecodePayload[messages.MonitorNuGetProcessExitRequest](req)
	if err != nil {
		return nil, err
	}
	if !h.prober(payload.ProcessID) {
		return &messages.MonitorNuGetProcessExitResponse{ResponseCode: messages.ResponseNotFound}, nil
	}
	h.watchOnce.Do(func() {
		go h.watch(payload.ProcessID)
	})
	return &messages.MonitorNuGetProcessExitResponse{ResponseCode: messages.ResponseSuccess}, nil
}

func (h *MonitorProcessExitHandler) watch(pid int) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !h.prober(pid) {
				if h.onExit != nil {
					h.onExit()
				}
				return
			}
		case <-h.stop:
			return
		}
	}
}
