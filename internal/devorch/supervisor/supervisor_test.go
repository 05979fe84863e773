package supervisor_test

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/bdobrica/devorch/internal/devorch/runtime"
	"github.com/bdobrica/devorch/internal/devorch/runtime/runtimetest"
	"github.com/bdobrica/devorch/internal/devorch/supervisor"
)

// process simulates a command running inside a container. It exits when one
// of the signals in dieOn is delivered.
type process struct {
	mu     sync.Mutex
	exited chan struct{}
	once   sync.Once
	dieOn  map[syscall.Signal]bool
	got    []syscall.Signal
}

func newProcess(dieOn ...syscall.Signal) *process {
	p := &process{exited: make(chan struct{}), dieOn: map[syscall.Signal]bool{}}
	for _, s := range dieOn {
		p.dieOn[s] = true
	}
	return p
}

func (p *process) exit() { p.once.Do(func() { close(p.exited) }) }

func (p *process) signals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.got...)
}

func (p *process) fake() *runtimetest.Fake {
	return &runtimetest.Fake{
		ExecFn: func(ctx context.Context, _ string, _ runtime.ExecRequest) (int, error) {
			select {
			case <-p.exited:
				return 130, nil
			case <-ctx.Done():
				return -1, ctx.Err()
			}
		},
		SignalFn: func(_ context.Context, _ string, req runtime.SignalRequest) error {
			p.mu.Lock()
			p.got = append(p.got, req.Signal)
			p.mu.Unlock()
			if p.dieOn[req.Signal] {
				p.exit()
			}
			return nil
		},
	}
}

var handle = runtime.Handle{Name: "managed-kege-builder", ImageID: "img", ContainerID: "ctr"}

func fastConfig() supervisor.Config {
	return supervisor.Config{
		GraceTimeout: 200 * time.Millisecond,
		KillTimeout:  50 * time.Millisecond,
	}
}

func TestStop_NothingRunningIsNoop(t *testing.T) {
	rt := &runtimetest.Fake{}
	s := supervisor.New(rt, fastConfig())

	start := time.Now()
	for i := 0; i < 5; i++ {
		for _, role := range supervisor.Roles() {
			if err := s.Stop(context.Background(), role); err != nil {
				t.Fatalf("Stop(%s): %v", role, err)
			}
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("no-op stops took %v", elapsed)
	}
	if n := len(rt.Calls()); n != 0 {
		t.Errorf("expected no runtime calls, got %v", rt.Calls())
	}
}

func TestStart_RoleBusy(t *testing.T) {
	p := newProcess(syscall.SIGINT)
	s := supervisor.New(p.fake(), fastConfig())
	ctx := context.Background()

	if err := s.Start(ctx, supervisor.RoleAPI, handle, []string{"KEGE"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := s.Start(ctx, supervisor.RoleAPI, handle, []string{"KEGE"})
	if !errors.Is(err, supervisor.ErrRoleBusy) {
		t.Fatalf("expected ErrRoleBusy, got %v", err)
	}
	if err := s.Stop(ctx, supervisor.RoleAPI); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStart_ReturnsImmediately(t *testing.T) {
	p := newProcess(syscall.SIGINT)
	s := supervisor.New(p.fake(), fastConfig())
	ctx := context.Background()

	start := time.Now()
	if err := s.Start(ctx, supervisor.RoleDatabase, handle, []string{"postgres"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Start blocked for %v", elapsed)
	}
	if !s.Running(supervisor.RoleDatabase) {
		t.Error("expected database to be running")
	}
	if err := s.Stop(ctx, supervisor.RoleDatabase); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStartAfterStop(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	current := newProcess(syscall.SIGINT)
	rt := &runtimetest.Fake{
		ExecFn: func(ctx context.Context, _ string, _ runtime.ExecRequest) (int, error) {
			mu.Lock()
			p := current
			mu.Unlock()
			<-p.exited
			return 0, nil
		},
		SignalFn: func(context.Context, string, runtime.SignalRequest) error {
			mu.Lock()
			current.exit()
			mu.Unlock()
			return nil
		},
	}
	s := supervisor.New(rt, fastConfig())

	for i := 0; i < 3; i++ {
		mu.Lock()
		current = newProcess()
		mu.Unlock()
		if err := s.Start(ctx, supervisor.RoleAPI, handle, []string{"KEGE"}); err != nil {
			t.Fatalf("iteration %d: Start: %v", i, err)
		}
		if err := s.Stop(ctx, supervisor.RoleAPI); err != nil {
			t.Fatalf("iteration %d: Stop: %v", i, err)
		}
		if s.Running(supervisor.RoleAPI) {
			t.Fatalf("iteration %d: slot not cleared", i)
		}
	}
}

func TestStop_GracefulExit(t *testing.T) {
	p := newProcess(syscall.SIGINT)
	s := supervisor.New(p.fake(), fastConfig())
	ctx := context.Background()

	if err := s.Start(ctx, supervisor.RoleDatabase, handle, []string{"postgres"}); err != nil {
		t.Fatal(err)
	}
	exec := s.Execution(supervisor.RoleDatabase)

	start := time.Now()
	if err := s.Stop(ctx, supervisor.RoleDatabase); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 200*time.Millisecond {
		t.Errorf("graceful stop waited the full grace period: %v", elapsed)
	}
	if got := p.signals(); len(got) != 1 || got[0] != syscall.SIGINT {
		t.Errorf("signals = %v, want [SIGINT]", got)
	}
	if code, err := exec.Result(); code != 130 || err != nil {
		t.Errorf("Result() = %d, %v", code, err)
	}
}

func TestStop_EscalatesAfterGrace(t *testing.T) {
	p := newProcess(syscall.SIGKILL)
	rt := p.fake()
	s := supervisor.New(rt, fastConfig())
	ctx := context.Background()

	if err := s.Start(ctx, supervisor.RoleDatabase, handle, []string{"postgres"}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := s.Stop(ctx, supervisor.RoleDatabase); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 200*time.Millisecond {
		t.Errorf("stop returned before the grace period: %v", elapsed)
	}
	if elapsed > time.Second {
		t.Errorf("stop took too long: %v", elapsed)
	}
	got := p.signals()
	if len(got) != 2 || got[0] != syscall.SIGINT || got[1] != syscall.SIGKILL {
		t.Errorf("signals = %v, want [SIGINT SIGKILL]", got)
	}
	if s.Running(supervisor.RoleDatabase) {
		t.Error("slot not cleared")
	}

	sigs := rt.CallsTo("Signal")
	if len(sigs) == 0 || sigs[0].Args[0] != "postgres" {
		t.Errorf("expected postgres to be signalled, got %v", sigs)
	}
}

func TestStop_OldestOnlyForDatabase(t *testing.T) {
	var (
		mu  sync.Mutex
		got []runtime.SignalRequest
	)
	p := newProcess(syscall.SIGKILL)
	rt := p.fake()
	signal := rt.SignalFn
	rt.SignalFn = func(ctx context.Context, c string, req runtime.SignalRequest) error {
		mu.Lock()
		got = append(got, req)
		mu.Unlock()
		return signal(ctx, c, req)
	}
	s := supervisor.New(rt, fastConfig())
	ctx := context.Background()
	if err := s.Start(ctx, supervisor.RoleDatabase, handle, []string{"postgres"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(ctx, supervisor.RoleDatabase); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("signal requests = %+v, want SIGINT then SIGKILL", got)
	}
	if got[0].Signal != syscall.SIGINT || !got[0].OldestOnly || got[0].Process != "postgres" {
		t.Errorf("graceful request = %+v, want SIGINT to the oldest postgres", got[0])
	}
	if got[1].Signal != syscall.SIGKILL || got[1].OldestOnly || got[1].Process != "postgres" {
		t.Errorf("forceful request = %+v, want SIGKILL to every postgres", got[1])
	}
}

func TestStop_BoundedKillReturnsTimeout(t *testing.T) {
	p := newProcess() // never dies
	cfg := fastConfig()
	cfg.KillAttempts = 3
	s := supervisor.New(p.fake(), cfg)
	ctx := context.Background()

	if err := s.Start(ctx, supervisor.RoleAPI, handle, []string{"KEGE"}); err != nil {
		t.Fatal(err)
	}
	err := s.Stop(ctx, supervisor.RoleAPI)
	if !errors.Is(err, supervisor.ErrTerminationTimeout) {
		t.Fatalf("expected ErrTerminationTimeout, got %v", err)
	}
	kills := 0
	for _, sig := range p.signals() {
		if sig == syscall.SIGKILL {
			kills++
		}
	}
	if kills != 3 {
		t.Errorf("expected 3 SIGKILLs, got %d", kills)
	}
	if !s.Running(supervisor.RoleAPI) {
		t.Error("slot must stay occupied when termination is not confirmed")
	}
	p.exit()
}

func TestStop_UnboundedKillHonoursContext(t *testing.T) {
	p := newProcess()
	s := supervisor.New(p.fake(), fastConfig())

	if err := s.Start(context.Background(), supervisor.RoleAPI, handle, []string{"KEGE"}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := s.Stop(ctx, supervisor.RoleAPI)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if len(p.signals()) < 3 {
		t.Errorf("expected repeated kills, got %v", p.signals())
	}
	p.exit()
}

func TestStop_WatcherWaitsWithoutKill(t *testing.T) {
	p := newProcess()
	s := supervisor.New(p.fake(), fastConfig())
	ctx := context.Background()

	if err := s.Start(ctx, supervisor.RoleWatcher, handle, []string{"npm", "run", "watch"}); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(400 * time.Millisecond)
		p.exit()
	}()
	if err := s.Stop(ctx, supervisor.RoleWatcher); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for _, sig := range p.signals() {
		if sig == syscall.SIGKILL {
			t.Fatal("watcher must never be sent SIGKILL")
		}
	}
}

func TestStop_AlreadyExited(t *testing.T) {
	rt := &runtimetest.Fake{}
	s := supervisor.New(rt, fastConfig())
	ctx := context.Background()

	if err := s.Start(ctx, supervisor.RoleAPI, handle, []string{"false"}); err != nil {
		t.Fatal(err)
	}
	<-s.Execution(supervisor.RoleAPI).Done()
	if !s.Running(supervisor.RoleAPI) {
		t.Error("exited execution keeps its slot until stopped")
	}
	if err := s.Stop(ctx, supervisor.RoleAPI); err != nil {
		t.Fatal(err)
	}
	if n := len(rt.CallsTo("Signal")); n != 0 {
		t.Errorf("exited process must not be signalled, got %d", n)
	}
}

func TestStopAll_Order(t *testing.T) {
	var mu sync.Mutex
	var order []string
	procs := map[string]*process{
		"postgres": newProcess(syscall.SIGINT),
		"KEGE":     newProcess(syscall.SIGINT),
		"node":     newProcess(syscall.SIGINT),
	}
	rt := &runtimetest.Fake{
		ExecFn: func(_ context.Context, _ string, req runtime.ExecRequest) (int, error) {
			<-procs[req.Cmd[0]].exited
			return 0, nil
		},
		SignalFn: func(_ context.Context, _ string, req runtime.SignalRequest) error {
			mu.Lock()
			order = append(order, req.Process)
			mu.Unlock()
			procs[req.Process].exit()
			return nil
		},
	}
	s := supervisor.New(rt, fastConfig())
	ctx := context.Background()
	for role, argv := range map[supervisor.Role]string{
		supervisor.RoleDatabase: "postgres",
		supervisor.RoleAPI:      "KEGE",
		supervisor.RoleWatcher:  "node",
	} {
		if err := s.Start(ctx, role, handle, []string{argv}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	want := []string{"node", "KEGE", "postgres"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	for _, role := range supervisor.Roles() {
		if s.Running(role) {
			t.Errorf("%s still running", role)
		}
	}
}

type recordingLedger struct {
	mu       sync.Mutex
	started  []string
	finished map[int64]int
}

func (l *recordingLedger) ExecutionStarted(_ context.Context, role, _ string, _ []string, _ string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, role)
	return int64(len(l.started)), nil
}

func (l *recordingLedger) ExecutionFinished(_ context.Context, id int64, code int, _ error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished[id] = code
	return nil
}

func TestLedgerRecordsExitCode(t *testing.T) {
	ledger := &recordingLedger{finished: map[int64]int{}}
	p := newProcess(syscall.SIGINT)
	cfg := fastConfig()
	cfg.Ledger = ledger
	s := supervisor.New(p.fake(), cfg)
	ctx := context.Background()

	if err := s.Start(ctx, supervisor.RoleAPI, handle, []string{"KEGE"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(ctx, supervisor.RoleAPI); err != nil {
		t.Fatal(err)
	}

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	if len(ledger.started) != 1 || ledger.started[0] != "api" {
		t.Errorf("started = %v", ledger.started)
	}
	if code, ok := ledger.finished[1]; !ok || code != 130 {
		t.Errorf("finished = %v", ledger.finished)
	}
}

func TestParseRole(t *testing.T) {
	for _, name := range []string{"db", "api", "esbuild"} {
		if _, err := supervisor.ParseRole(name); err != nil {
			t.Errorf("ParseRole(%q): %v", name, err)
		}
	}
	if _, err := supervisor.ParseRole("nginx"); err == nil {
		t.Error("expected error for unknown role")
	}
}
