package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v4/process"
)

func TestRunner_ExitZero(t *testing.T) {
	// Given a command that succeeds
	r := NewRunner()

	// When Execute is called
	res, err := r.Execute(context.Background(), Command{Shell: "echo hello", Dir: t.TempDir()})

	// Then the exit code is zero and stdout is captured
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if res.Stdout != "hello\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hello\n")
	}
	if res.TimedOut {
		t.Error("TimedOut should be false")
	}
	if res.Pid == 0 {
		t.Error("Pid should be recorded")
	}
}

func TestRunner_NonZeroExitIsNotAnError(t *testing.T) {
	r := NewRunner()

	res, err := r.Execute(context.Background(), Command{Shell: "exit 3"})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
}

func TestRunner_SeparateStreams(t *testing.T) {
	// Given a command writing interleaved lines to both streams
	r := NewRunner()
	script := "echo out1; echo err1 >&2; echo out2; echo err2 >&2"

	// When Execute is called
	res, err := r.Execute(context.Background(), Command{Shell: script})

	// Then each stream holds only its own lines, in order
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "out1\nout2\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if res.Stderr != "err1\nerr2\n" {
		t.Errorf("Stderr = %q", res.Stderr)
	}
}

func TestRunner_LargeOutputDoesNotDeadlock(t *testing.T) {
	// Given a command producing more than a pipe buffer on both streams
	r := NewRunner()
	script := "i=0; while [ $i -lt 20000 ]; do echo line-$i; echo err-$i >&2; i=$((i+1)); done"

	res, err := r.Execute(context.Background(), Command{Shell: script, Timeout: 30 * time.Second})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Count(res.Stdout, "\n"); got != 20000 {
		t.Errorf("stdout lines = %d, want 20000", got)
	}
	if got := strings.Count(res.Stderr, "\n"); got != 20000 {
		t.Errorf("stderr lines = %d, want 20000", got)
	}
}

func TestRunner_SignalledExitStatus(t *testing.T) {
	r := NewRunner()

	res, err := r.Execute(context.Background(), Command{Shell: "kill -9 $$"})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 128+9 {
		t.Errorf("ExitCode = %d, want %d", res.ExitCode, 128+9)
	}
}

func TestRunner_Timeout(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timeout test in short mode")
	}

	// Given a command that outlives its timeout and spawns a background child
	dir := t.TempDir()
	r := NewRunner(WithGracePeriod(500 * time.Millisecond))
	cmd := Command{
		Shell:   "sleep 30 & echo $! > child.pid; echo started; wait",
		Dir:     dir,
		Timeout: 200 * time.Millisecond,
	}

	// When Execute is called
	start := time.Now()
	res, err := r.Execute(context.Background(), cmd)
	elapsed := time.Since(start)

	// Then a TimeoutError is returned with the partial result
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TimeoutError", err)
	}
	if !strings.Contains(te.Error(), "is taking longer than 0.2 seconds") {
		t.Errorf("message = %q", te.Error())
	}
	if !res.TimedOut || res.ExitCode != ExitCodeTimedOut {
		t.Errorf("result = %+v, want TimedOut with ExitCode %d", res, ExitCodeTimedOut)
	}
	if res.Stdout != "started\n" {
		t.Errorf("Stdout = %q, want output captured before the kill", res.Stdout)
	}
	if elapsed > 5*time.Second {
		t.Errorf("Execute took %v, want prompt termination", elapsed)
	}

	// And no descendant is left running
	data, err := os.ReadFile(filepath.Join(dir, "child.pid"))
	if err != nil {
		t.Fatalf("reading child pid: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("parsing child pid: %v", err)
	}
	assertGone(t, pid)
}

func TestRunner_TimeoutEscalatesToKill(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timeout test in short mode")
	}

	// Given a command that ignores SIGTERM
	r := NewRunner(WithGracePeriod(200 * time.Millisecond))
	cmd := Command{Shell: "trap '' TERM; sleep 30", Timeout: 100 * time.Millisecond}

	// When Execute is called
	start := time.Now()
	res, err := r.Execute(context.Background(), cmd)

	// Then it is killed after the grace period
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TimeoutError", err)
	}
	if !res.TimedOut {
		t.Error("TimedOut should be true")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Execute took %v, want kill after grace period", elapsed)
	}
}

func TestRunner_ContextCancellation(t *testing.T) {
	// Given a context cancelled while the command runs
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	r := NewRunner(WithGracePeriod(200 * time.Millisecond))

	// When Execute is called
	res, err := r.Execute(ctx, Command{Shell: "sleep 30"})

	// Then the process is stopped and the context error is reported
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if res.TimedOut {
		t.Error("cancellation should not be reported as a timeout")
	}
}

func TestRunner_LaunchErrors(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
	}{
		{name: "missing executable", cmd: Command{Argv: []string{"/nonexistent/pipeline-binary"}}},
		{name: "missing directory", cmd: Command{Shell: "true", Dir: "/nonexistent/dir"}},
		{name: "empty command", cmd: Command{}},
		{name: "missing env file", cmd: Command{Shell: "true", EnvFiles: []string{"/nonexistent/.env"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRunner()

			res, err := r.Execute(context.Background(), tt.cmd)

			var le *LaunchError
			if !errors.As(err, &le) {
				t.Fatalf("error = %v, want *LaunchError", err)
			}
			if res.Pid != 0 {
				t.Errorf("Pid = %d, want 0 for a process that never started", res.Pid)
			}
		})
	}
}

func TestRunner_ArgvMode(t *testing.T) {
	// Given an argv command whose argument contains shell metacharacters
	r := NewRunner()

	res, err := r.Execute(context.Background(), Command{Argv: []string{"echo", "a; echo b"}})

	// Then the argument is passed verbatim, with no shell interpretation
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "a; echo b\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
}

func TestRunner_UsesWorkDir(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner()

	res, err := r.Execute(context.Background(), Command{Shell: "pwd -P", Dir: dir})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := filepath.EvalSymlinks(dir)
	if strings.TrimSpace(res.Stdout) != want {
		t.Errorf("pwd = %q, want %q", strings.TrimSpace(res.Stdout), want)
	}
}

func TestRunner_Environment(t *testing.T) {
	// Given a dotenv file and explicit overrides
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("FROM_FILE=file\nOVERRIDDEN=file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewRunner()
	cmd := Command{
		Shell:    `echo "$FROM_FILE $OVERRIDDEN $EXPLICIT"`,
		EnvFiles: []string{envFile},
		Env:      map[string]string{"OVERRIDDEN": "explicit", "EXPLICIT": "yes"},
	}

	// When Execute is called
	res, err := r.Execute(context.Background(), cmd)

	// Then explicit Env wins over the file
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "file explicit yes\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
}

func TestRunner_CleanEnv(t *testing.T) {
	t.Setenv("PIPECHECK_LEAK", "leaked")
	r := NewRunner()

	res, err := r.Execute(context.Background(), Command{
		Argv:     []string{"/bin/sh", "-c", `echo "[$PIPECHECK_LEAK]"`},
		CleanEnv: true,
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "[]\n" {
		t.Errorf("Stdout = %q, want inherited variable to be absent", res.Stdout)
	}
}

func TestRunner_StripANSI(t *testing.T) {
	r := NewRunner()

	res, err := r.Execute(context.Background(), Command{
		Shell:     `printf '\033[31mred\033[0m\n'`,
		StripANSI: true,
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "red\n" {
		t.Errorf("Stdout = %q, want escapes removed", res.Stdout)
	}
}

func TestRunner_CustomShell(t *testing.T) {
	r := NewRunner(WithShell("/bin/sh", "-e", "-c"))

	res, err := r.Execute(context.Background(), Command{Shell: "false; echo unreachable"})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode == 0 || strings.Contains(res.Stdout, "unreachable") {
		t.Errorf("result = %+v, want -e to stop at the first failure", res)
	}
}

func TestCommand_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		wantErr bool
	}{
		{name: "shell", cmd: Command{Shell: "true"}},
		{name: "argv", cmd: Command{Argv: []string{"true"}}},
		{name: "empty", cmd: Command{}, wantErr: true},
		{name: "blank shell", cmd: Command{Shell: "   "}, wantErr: true},
		{name: "both", cmd: Command{Shell: "true", Argv: []string{"true"}}, wantErr: true},
		{name: "empty argv0", cmd: Command{Argv: []string{""}}, wantErr: true},
		{name: "negative timeout", cmd: Command{Shell: "true", Timeout: -time.Second}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommand_String(t *testing.T) {
	if got := (Command{Shell: "make all"}).String(); got != "make all" {
		t.Errorf("String() = %q", got)
	}
	if got := (Command{Argv: []string{"prog", "two words", ""}}).String(); got != `prog "two words" ""` {
		t.Errorf("String() = %q", got)
	}
}

func TestTimeoutSeconds(t *testing.T) {
	if got := TimeoutSeconds(0.1); got != 100*time.Millisecond {
		t.Errorf("TimeoutSeconds(0.1) = %v", got)
	}
	if got := TimeoutSeconds(-1); got != 0 {
		t.Errorf("TimeoutSeconds(-1) = %v, want 0", got)
	}
}

func TestTimeoutError_Message(t *testing.T) {
	e := &TimeoutError{Command: "./pipeline", Timeout: 100 * time.Millisecond}
	want := `process: "./pipeline" is taking longer than 0.1 seconds`
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

// assertGone waits briefly for pid to disappear. A zombie awaiting reaping
// by its new parent counts as gone.
func assertGone(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		exists, err := gopsprocess.PidExists(int32(pid))
		if err != nil || !exists {
			return
		}
		if p, err := gopsprocess.NewProcess(int32(pid)); err == nil {
			if st, err := p.Status(); err == nil && len(st) > 0 && st[0] == gopsprocess.Zombie {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Errorf("process %d still running after timeout", pid)
}
