package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/manthysbr/labrunner/internal/core/domain"
	"github.com/manthysbr/labrunner/internal/core/ports"
	"github.com/stretchr/testify/mock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type MockRuntime struct {
	mock.Mock
}

func (m *MockRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	args := m.Called(ctx, ref)
	return args.Bool(0), args.Error(1)
}

func (m *MockRuntime) BuildImage(ctx context.Context, contextDir string, ref string) error {
	args := m.Called(ctx, contextDir, ref)
	return args.Error(0)
}

func (m *MockRuntime) Start(ctx context.Context, spec domain.ExecutionSpec) (ports.Execution, error) {
	args := m.Called(ctx, spec)
	exec, _ := args.Get(0).(ports.Execution)
	return exec, args.Error(1)
}

// fakeExecution is a container the test drives by hand: write to its
// streams, then Exit.
type fakeExecution struct {
	id      string
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	exitOnce sync.Once
	done     chan struct{}
	code     int
	waitErr  error

	closed atomic.Int32
}

func newFakeExecution(id string) *fakeExecution {
	f := &fakeExecution{id: id, done: make(chan struct{})}
	f.stdoutR, f.stdoutW = io.Pipe()
	f.stderrR, f.stderrW = io.Pipe()
	return f
}

func (f *fakeExecution) ContainerID() string { return f.id }
func (f *fakeExecution) Stdout() io.Reader   { return f.stdoutR }
func (f *fakeExecution) Stderr() io.Reader   { return f.stderrR }

func (f *fakeExecution) Emit(line string) {
	_, _ = io.WriteString(f.stdoutW, line+"\n")
}

func (f *fakeExecution) EmitStderr(text string) {
	_, _ = io.WriteString(f.stderrW, text)
}

// Exit closes both streams and makes Wait return code.
func (f *fakeExecution) Exit(code int) {
	f.finish(code, nil)
}

// Lost closes both streams and makes Wait fail.
func (f *fakeExecution) Lost(err error) {
	f.finish(0, err)
}

func (f *fakeExecution) finish(code int, err error) {
	f.exitOnce.Do(func() {
		_ = f.stdoutW.Close()
		_ = f.stderrW.Close()
		f.code = code
		f.waitErr = err
		close(f.done)
	})
}

func (f *fakeExecution) Wait(ctx context.Context) (int, error) {
	select {
	case <-f.done:
		return f.code, f.waitErr
	case <-ctx.Done():
		return domain.ExitCodeUnknown, ctx.Err()
	}
}

func (f *fakeExecution) Close(ctx context.Context) error {
	f.closed.Add(1)
	_ = f.stdoutR.Close()
	_ = f.stderrR.Close()
	return nil
}

func (f *fakeExecution) Closed() bool {
	return f.closed.Load() > 0
}

// brokenStdoutExecution panics when its output is requested.
type brokenStdoutExecution struct {
	*fakeExecution
}

func (b *brokenStdoutExecution) Stdout() io.Reader {
	panic("stdout unavailable")
}
