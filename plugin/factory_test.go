package plugin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-nugetplugin/connection"
	"github.com/smnsjas/go-nugetplugin/handlers"
	"github.com/smnsjas/go-nugetplugin/messages"
)

// fakeProcess plays the plugin's operating system process. Kill closes the
// wire pipes, which is exactly what a dying subprocess does to its stdio.
type fakeProcess struct {
	mu      sync.Mutex
	killed  bool
	closers []io.Closer
	exited  chan struct{}
}

func (f *fakeProcess) Pid() int                { return 4242 }
func (f *fakeProcess) Exited() <-chan struct{} { return f.exited }

func (f *fakeProcess) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.killed {
		return nil
	}
	f.killed = true
	for _, c := range f.closers {
		_ = c.Close()
	}
	close(f.exited)
	return nil
}

func (f *fakeProcess) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

// answerFunc scripts the plugin's half of the conversation. Returning nil
// stays silent.
type answerFunc func(*messages.Message) *messages.Message

type peerObserver struct {
	conn   *connection.Connection
	answer answerFunc
	seen   chan *messages.Message
}

func (o *peerObserver) OnMessageReceived(m *messages.Message) {
	select {
	case o.seen <- m:
	default:
	}
	if resp := o.answer(m); resp != nil {
		_ = o.conn.Send(resp)
	}
}

func (o *peerObserver) OnFaulted(err error) {}

// launchRig builds in-memory plugin processes: every launch gets fresh
// pipes and a peer connection scripted by answer.
type launchRig struct {
	answer answerFunc
	seen   chan *messages.Message

	mu    sync.Mutex
	procs []*fakeProcess
}

func newLaunchRig(answer answerFunc) *launchRig {
	return &launchRig{answer: answer, seen: make(chan *messages.Message, 128)}
}

func (r *launchRig) launch(path string, args []string, logger *slog.Logger) (*LaunchResult, error) {
	toPluginR, toPluginW := io.Pipe()
	toClientR, toClientW := io.Pipe()

	proc := &fakeProcess{
		exited:  make(chan struct{}),
		closers: []io.Closer{toPluginR, toPluginW, toClientR, toClientW},
	}

	peer := connection.New(toPluginR, toClientW, &connection.Options{Logger: logger})
	peer.SetObserver(&peerObserver{conn: peer, answer: r.answer, seen: r.seen})
	peer.Start()

	r.mu.Lock()
	r.procs = append(r.procs, proc)
	r.mu.Unlock()

	return &LaunchResult{Process: proc, Stdout: toClientR, Stdin: toPluginW}, nil
}

func (r *launchRig) launches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

func (r *launchRig) lastProc() *fakeProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.procs) == 0 {
		return nil
	}
	return r.procs[len(r.procs)-1]
}

// waitFrame drains the plugin side's received frames until one matches.
func (r *launchRig) waitFrame(t *testing.T, method messages.MessageMethod) *messages.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-r.seen:
			if m.Method == method {
				return m
			}
		case <-deadline:
			t.Fatalf("plugin never received a %s frame", method)
			return nil
		}
	}
}

func mustResponse(m *messages.Message, payload any) *messages.Message {
	resp, err := messages.NewResponse(m.RequestID, m.Method, payload)
	if err != nil {
		panic(err)
	}
	return resp
}

// defaultAnswers is a cooperative plugin: handshake at our version, every
// setup call succeeds.
func defaultAnswers(m *messages.Message) *messages.Message {
	switch m.Method {
	case messages.MethodHandshake:
		return mustResponse(m, &messages.HandshakeResponse{
			ResponseCode:    messages.ResponseSuccess,
			ProtocolVersion: messages.ProtocolVersion,
		})
	case messages.MethodInitialize:
		return mustResponse(m, &messages.InitializeResponse{ResponseCode: messages.ResponseSuccess})
	case messages.MethodGetOperationClaims:
		return mustResponse(m, &messages.GetOperationClaimsResponse{
			Claims: []messages.OperationClaim{messages.ClaimAuthentication},
		})
	default:
		return nil
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFactory(t *testing.T, rig *launchRig) *Factory {
	t.Helper()
	f := NewFactory(&FactoryOptions{
		IdleTimeout: -1,
		Logger:      discardLogger(),
		Launch:      rig.launch,
	})
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestGetOrCreateNegotiatesHandshake(t *testing.T) {
	rig := newLaunchRig(defaultAnswers)
	f := testFactory(t, rig)

	const path = "/opt/nuget/plugins/credprovider"
	p, err := f.GetOrCreate(context.Background(), path, nil, handlers.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if got := p.ProtocolVersion(); got != messages.ProtocolVersion {
		t.Fatalf("negotiated version = %q, want %q", got, messages.ProtocolVersion)
	}
	if p.Name() != "credprovider" {
		t.Fatalf("name = %q, want credprovider", p.Name())
	}
	if want := uuid.NewSHA1(idNamespace, []byte(path)).String(); p.ID() != want {
		t.Fatalf("id = %q, want the deterministic path id %q", p.ID(), want)
	}
	if n := rig.launches(); n != 1 {
		t.Fatalf("launches = %d, want 1", n)
	}
}

func TestGetOrCreateReusesLivePlugin(t *testing.T) {
	rig := newLaunchRig(defaultAnswers)
	f := testFactory(t, rig)

	p1, err := f.GetOrCreate(context.Background(), "/plugins/a", nil, handlers.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("first GetOrCreate: %v", err)
	}
	p2, err := f.GetOrCreate(context.Background(), "/plugins/a", nil, handlers.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if p1 != p2 {
		t.Fatal("same path produced two plugins")
	}
	if n := rig.launches(); n != 1 {
		t.Fatalf("launches = %d, want 1", n)
	}

	other, err := f.GetOrCreate(context.Background(), "/plugins/b", nil, handlers.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("other GetOrCreate: %v", err)
	}
	if other == p1 {
		t.Fatal("different paths shared a plugin")
	}
	if n := rig.launches(); n != 2 {
		t.Fatalf("launches = %d, want 2", n)
	}
}

func TestGetOrCreateConcurrentSingleSpawn(t *testing.T) {
	rig := newLaunchRig(defaultAnswers)
	f := testFactory(t, rig)

	const n = 8
	var wg sync.WaitGroup
	results := make(chan *Plugin, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := f.GetOrCreate(context.Background(), "/plugins/a", nil, handlers.NewRegistry(), nil)
			results <- p
			errs <- err
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("GetOrCreate: %v", err)
		}
	}
	var first *Plugin
	for p := range results {
		if first == nil {
			first = p
			continue
		}
		if p != first {
			t.Fatal("concurrent callers got different plugins")
		}
	}
	if got := rig.launches(); got != 1 {
		t.Fatalf("launches = %d, want 1", got)
	}
}

func TestHandshakeVersionOutsideWindow(t *testing.T) {
	rig := newLaunchRig(func(m *messages.Message) *messages.Message {
		if m.Method == messages.MethodHandshake {
			return mustResponse(m, &messages.HandshakeResponse{
				ResponseCode:    messages.ResponseSuccess,
				ProtocolVersion: "0.5.0",
			})
		}
		return nil
	})
	f := testFactory(t, rig)

	_, err := f.GetOrCreate(context.Background(), "/plugins/old", nil, handlers.NewRegistry(), nil)
	if !errors.Is(err, ErrProtocolIncompatible) {
		t.Fatalf("error = %v, want ErrProtocolIncompatible", err)
	}
	if !rig.lastProc().wasKilled() {
		t.Fatal("incompatible plugin left running")
	}

	// Failed creations are forgotten; the next call spawns again.
	_, err = f.GetOrCreate(context.Background(), "/plugins/old", nil, handlers.NewRegistry(), nil)
	if !errors.Is(err, ErrProtocolIncompatible) {
		t.Fatalf("retry error = %v, want ErrProtocolIncompatible", err)
	}
	if n := rig.launches(); n != 2 {
		t.Fatalf("launches = %d, want 2", n)
	}
}

func TestHandshakeRejectedByPlugin(t *testing.T) {
	rig := newLaunchRig(func(m *messages.Message) *messages.Message {
		if m.Method == messages.MethodHandshake {
			return mustResponse(m, &messages.HandshakeResponse{ResponseCode: messages.ResponseError})
		}
		return nil
	})
	f := testFactory(t, rig)

	_, err := f.GetOrCreate(context.Background(), "/plugins/grumpy", nil, handlers.NewRegistry(), nil)
	if !errors.Is(err, ErrProtocolIncompatible) {
		t.Fatalf("error = %v, want ErrProtocolIncompatible", err)
	}
}

func TestHandshakeSilenceTimesOut(t *testing.T) {
	rig := newLaunchRig(func(m *messages.Message) *messages.Message { return nil })
	f := testFactory(t, rig)

	start := time.Now()
	_, err := f.GetOrCreate(context.Background(), "/plugins/mute", nil, handlers.NewRegistry(),
		&ConnectionOptions{HandshakeTimeout: 60 * time.Millisecond})
	if err == nil {
		t.Fatal("handshake with a silent plugin succeeded")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("gave up after %v, want roughly the handshake timeout", elapsed)
	}
	if !rig.lastProc().wasKilled() {
		t.Fatal("silent plugin left running")
	}
}

func TestFactoryCloseClosesPlugins(t *testing.T) {
	rig := newLaunchRig(defaultAnswers)
	f := testFactory(t, rig)

	p, err := f.GetOrCreate(context.Background(), "/plugins/a", nil, handlers.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !p.Closed() {
		t.Fatal("plugin survived factory close")
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := f.GetOrCreate(context.Background(), "/plugins/a", nil, handlers.NewRegistry(), nil); !errors.Is(err, ErrFactoryClosed) {
		t.Fatalf("GetOrCreate after Close = %v, want ErrFactoryClosed", err)
	}
}

func TestClosedPluginRespawned(t *testing.T) {
	rig := newLaunchRig(defaultAnswers)
	f := testFactory(t, rig)

	p1, err := f.GetOrCreate(context.Background(), "/plugins/a", nil, handlers.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	_ = p1.Close()

	p2, err := f.GetOrCreate(context.Background(), "/plugins/a", nil, handlers.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("GetOrCreate after close: %v", err)
	}
	if p2 == p1 {
		t.Fatal("closed plugin was handed out again")
	}
	if n := rig.launches(); n != 2 {
		t.Fatalf("launches = %d, want 2", n)
	}
}

func TestIdleTimeoutClosesPlugin(t *testing.T) {
	rig := newLaunchRig(defaultAnswers)
	f := NewFactory(&FactoryOptions{
		IdleTimeout: 80 * time.Millisecond,
		Logger:      discardLogger(),
		Launch:      rig.launch,
	})
	t.Cleanup(func() { _ = f.Close() })

	p, err := f.GetOrCreate(context.Background(), "/plugins/sleepy", nil, handlers.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("idle plugin never closed")
	}
}

func TestProcessExitClosesPlugin(t *testing.T) {
	rig := newLaunchRig(defaultAnswers)
	f := testFactory(t, rig)

	p, err := f.GetOrCreate(context.Background(), "/plugins/crashy", nil, handlers.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	// The process dies out from under us.
	_ = rig.lastProc().Kill()

	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("plugin survived its process")
	}

	// The factory no longer hands it out.
	p2, err := f.GetOrCreate(context.Background(), "/plugins/crashy", nil, handlers.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("GetOrCreate after crash: %v", err)
	}
	if p2 == p {
		t.Fatal("dead plugin was handed out again")
	}
}
