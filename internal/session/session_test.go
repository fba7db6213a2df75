package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smileynet/pipecheck/internal/harness"
	"github.com/smileynet/pipecheck/internal/process"
	"github.com/smileynet/pipecheck/internal/suite"
	"github.com/smileynet/pipecheck/internal/workdir"
)

// Compile-time checks: the real implementations satisfy the interfaces.
var (
	_ GroupRunner = (*harness.Harness)(nil)
	_ Workspace   = (*workdir.Manager)(nil)
)

// --- Test fakes ---

// exitRunner exits with 1 for the command "fail" and 0 for anything else.
type exitRunner struct{}

func (exitRunner) Execute(_ context.Context, cmd process.Command) (process.Result, error) {
	if cmd.Shell == "fail" {
		return process.Result{ExitCode: 1}, nil
	}
	return process.Result{}, nil
}

type memStore struct {
	mu    sync.Mutex
	saves []State
	err   error
}

func (m *memStore) Save(s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, s)
	return m.err
}

type memHistory struct{ recorded []State }

func (m *memHistory) Record(s State) error {
	m.recorded = append(m.recorded, s)
	return nil
}

type recordingCallback struct {
	events []string
}

func (c *recordingCallback) OnSessionStart(id string, groups []string) {
	c.events = append(c.events, "start:"+strings.Join(groups, ","))
}
func (c *recordingCallback) OnGroupStart(g string) { c.events = append(c.events, "group:"+g) }
func (c *recordingCallback) OnGroupComplete(r GroupResult) {
	c.events = append(c.events, "done:"+r.Group+":"+string(r.Status))
}
func (c *recordingCallback) OnGroupFail(g string, err error) {
	c.events = append(c.events, "fail:"+g)
}
func (c *recordingCallback) OnSessionComplete(s State) {
	c.events = append(c.events, "end:"+string(s.Status))
}

const twoGroups = `
groups:
  - name: TestFailing
    command: fail
    cases:
      - name: test_exit_code
        after_run: true
        expect: {exit_code: 0}
  - name: TestPassing
    command: ok
    cases:
      - name: test_exit_code
        after_run: true
        expect: {exit_code: 0}
`

func parse(t *testing.T, doc string) *suite.Suite {
	t.Helper()
	s, err := suite.Parse([]byte(doc), suite.FormatYAML)
	require.NoError(t, err)
	return s
}

func newTestRunner(t *testing.T, opts ...Option) (*Runner, *workdir.Manager) {
	t.Helper()
	ws := workdir.NewManager(t.TempDir())
	base := []Option{
		WithWorkspace(ws),
		WithCaseRunner(exitRunner{}),
		WithIDFunc(func() string { return "1234abcd-0000" }),
	}
	return NewRunner(harness.New(harness.WithRunner(exitRunner{})), append(base, opts...)...), ws
}

func TestRun_ContinueMode(t *testing.T) {
	// Given a failing group followed by a passing one
	store, history, cb := &memStore{}, &memHistory{}, &recordingCallback{}
	r, ws := newTestRunner(t, WithStateStore(store), WithHistory(history), WithCallback(cb))

	// When the session runs
	st, err := r.Run(context.Background(), []*suite.Suite{parse(t, twoGroups)})

	// Then both groups run and the session fails
	require.NoError(t, err)
	assert.Equal(t, "1234abcd-0000", st.ID)
	require.Len(t, st.Groups, 2)
	assert.Equal(t, GroupFailed, st.Groups[0].Status)
	assert.Contains(t, st.Groups[0].Error, "test_exit_code")
	assert.Equal(t, GroupPassed, st.Groups[1].Status)
	assert.Equal(t, StatusFailed, st.Status)
	assert.False(t, st.Passed())
	assert.False(t, st.FinishedAt.IsZero())

	// And the failing workdir is kept while the passing one is removed
	assert.True(t, ws.Exists("1234abcd-01-TestFailing"))
	assert.False(t, ws.Exists("1234abcd-02-TestPassing"))

	// And state is checkpointed after each group plus once at the end
	assert.Len(t, store.saves, 3)
	require.Len(t, history.recorded, 1)
	assert.Equal(t, StatusFailed, history.recorded[0].Status)

	assert.Equal(t, []string{
		"start:TestFailing,TestPassing",
		"group:TestFailing", "done:TestFailing:failed",
		"group:TestPassing", "done:TestPassing:passed",
		"end:failed",
	}, cb.events)
}

func TestRun_AbortMode(t *testing.T) {
	// Given abort-on-failure
	r, _ := newTestRunner(t, WithConfig(Config{FailureMode: FailureAbort}))

	// When the first group fails
	st, err := r.Run(context.Background(), []*suite.Suite{parse(t, twoGroups)})

	// Then the rest are skipped
	require.NoError(t, err)
	assert.Equal(t, GroupFailed, st.Groups[0].Status)
	assert.Equal(t, GroupSkipped, st.Groups[1].Status)
	assert.Equal(t, StatusAborted, st.Status)
	assert.Equal(t, 1, st.Count(GroupSkipped))
}

func TestRun_AllPassed(t *testing.T) {
	doc := strings.Replace(twoGroups, "command: fail", "command: ok", 1)
	r, _ := newTestRunner(t)

	st, err := r.Run(context.Background(), []*suite.Suite{parse(t, doc)})

	require.NoError(t, err)
	assert.Equal(t, StatusPassed, st.Status)
	assert.True(t, st.Passed())
	assert.Equal(t, 2, st.Count(GroupPassed))
}

func TestRun_DeclarationErrorIsolatedToGroup(t *testing.T) {
	// Given a group with a case carrying both marks, then a valid group
	doc := `
groups:
  - name: TestBroken
    command: ok
    cases:
      - {name: test_a, before_run: true, after_run: true}
  - name: TestFine
    command: ok
`
	cb := &recordingCallback{}
	r, _ := newTestRunner(t, WithCallback(cb))

	// When run
	st, err := r.Run(context.Background(), []*suite.Suite{parse(t, doc)})

	// Then the broken group errors without running and the next one still runs
	require.NoError(t, err)
	assert.Equal(t, GroupError, st.Groups[0].Status)
	assert.Contains(t, st.Groups[0].Error, "collected 0 items / 1 error")
	assert.Nil(t, st.Groups[0].Report)
	assert.Equal(t, GroupPassed, st.Groups[1].Status)
	assert.Contains(t, cb.events, "fail:TestBroken")
}

func TestRun_KeepWorkdirs(t *testing.T) {
	doc := strings.Replace(twoGroups, "command: fail", "command: ok", 1)
	r, ws := newTestRunner(t, WithConfig(Config{KeepWorkdirs: true}))

	_, err := r.Run(context.Background(), []*suite.Suite{parse(t, doc)})

	require.NoError(t, err)
	ids, err := ws.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"1234abcd-01-TestFailing", "1234abcd-02-TestPassing"}, ids)
}

func TestRun_SameGroupNameRunsIndependently(t *testing.T) {
	// Given two suites sharing a group name where the first one fails and
	// keeps its workdir, plus names that clean to the same directory name
	failing := `
groups:
  - name: TestMyPipeline
    command: fail
    cases:
      - {name: test_exit_code, after_run: true, expect: {exit_code: 0}}
  - name: Test A
    command: fail
    cases:
      - {name: test_exit_code, after_run: true, expect: {exit_code: 0}}
`
	passing := `
groups:
  - name: TestMyPipeline
    command: ok
    cases:
      - {name: test_exit_code, after_run: true, expect: {exit_code: 0}}
  - name: Test_A
    command: ok
    cases:
      - {name: test_exit_code, after_run: true, expect: {exit_code: 0}}
`
	r, ws := newTestRunner(t)

	// When both suites run in one session
	st, err := r.Run(context.Background(), []*suite.Suite{parse(t, failing), parse(t, passing)})

	// Then every group runs in its own workdir with its own result
	require.NoError(t, err)
	require.Len(t, st.Groups, 4)
	assert.Equal(t, GroupFailed, st.Groups[0].Status)
	assert.Equal(t, GroupFailed, st.Groups[1].Status)
	assert.Equal(t, GroupPassed, st.Groups[2].Status, st.Groups[2].Error)
	assert.Equal(t, GroupPassed, st.Groups[3].Status, st.Groups[3].Error)
	assert.NotEqual(t, st.Groups[0].Dir, st.Groups[2].Dir)
	assert.NotEqual(t, st.Groups[1].Dir, st.Groups[3].Dir)

	ids, err := ws.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"1234abcd-01-TestMyPipeline", "1234abcd-02-Test_A"}, ids)
}

func TestRun_CopiesFixtures(t *testing.T) {
	// Given a suite file next to a fixture the case expects in its workdir
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "input.txt"), []byte("42\n"), 0o644))
	path := filepath.Join(dir, "suite.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
groups:
  - name: TestFixtures
    command: ok
    fixtures: [input.txt]
    cases:
      - name: test_input_present
        after_run: true
        expect:
          files: [{path: input.txt, equals: "42\n"}]
`), 0o644))
	s, err := suite.Load(path)
	require.NoError(t, err)
	r, _ := newTestRunner(t)

	// When run
	st, err := r.Run(context.Background(), []*suite.Suite{s})

	// Then the case sees the fixture
	require.NoError(t, err)
	assert.Equal(t, GroupPassed, st.Groups[0].Status, st.Groups[0].Error)
}

func TestRun_MissingFixtureIsGroupError(t *testing.T) {
	doc := "groups: [{name: TestX, command: ok, fixtures: [does-not-exist]}, {name: TestY, command: ok}]\n"
	r, _ := newTestRunner(t)

	st, err := r.Run(context.Background(), []*suite.Suite{parse(t, doc)})

	require.NoError(t, err)
	assert.Equal(t, GroupError, st.Groups[0].Status)
	assert.Contains(t, st.Groups[0].Error, "does-not-exist")
	assert.Equal(t, GroupPassed, st.Groups[1].Status)
}

func TestRun_NoGroups(t *testing.T) {
	r, _ := newTestRunner(t)

	_, err := r.Run(context.Background(), nil)

	assert.ErrorIs(t, err, ErrNoGroups)
}

func TestRun_CancelledContextSkipsGroups(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, _ := newTestRunner(t)

	st, err := r.Run(ctx, []*suite.Suite{parse(t, twoGroups)})

	require.NoError(t, err)
	assert.Equal(t, 2, st.Count(GroupSkipped))
	assert.Equal(t, StatusFailed, st.Status)
}

func TestRun_StoreErrorReturned(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	r, _ := newTestRunner(t, WithStateStore(store))

	st, err := r.Run(context.Background(), []*suite.Suite{parse(t, twoGroups)})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, st.Groups, 2)
}

func TestParseFailureMode(t *testing.T) {
	tests := []struct {
		in      string
		want    FailureMode
		wantErr bool
	}{
		{in: "", want: FailureContinue},
		{in: "continue", want: FailureContinue},
		{in: "abort", want: FailureAbort},
		{in: "retry", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseFailureMode(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrUnknownFailure)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
