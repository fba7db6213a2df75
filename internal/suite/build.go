package suite

import (
	"context"
	"fmt"
	"strings"

	"github.com/smileynet/pipecheck/internal/check"
	"github.com/smileynet/pipecheck/internal/harness"
	"github.com/smileynet/pipecheck/internal/process"
	"github.com/smileynet/pipecheck/internal/runctx"
)

// Build converts g into a harness group whose pipeline runs in dir. Case
// `run` commands go through runner with the group's environment; expectations
// are then evaluated against the run context.
func (s *Suite) Build(g Group, dir string, runner harness.PipelineRunner) harness.Group {
	base := s.Dir()
	cmd := g.PipelineCommand(base, dir)

	cases := make([]harness.Case, len(g.Cases))
	for i, c := range g.Cases {
		cases[i] = harness.Case{
			Name:   c.Name,
			IsTest: c.IsTest(),
			Marks:  c.Marks(),
			Body:   caseBody(c, cmd, runner),
		}
	}
	return harness.Group{Name: g.Name, Command: cmd, Cases: cases}
}

// caseBody runs the case's setup command, if any, and then its expectations.
// The setup command is bounded by the same timeout as the pipeline.
func caseBody(c Case, pipeline process.Command, runner harness.PipelineRunner) harness.CaseFunc {
	return func(ctx context.Context, rc *runctx.Context) error {
		if c.Run != "" {
			step := process.Command{
				Shell:     c.Run,
				Dir:       rc.Dir(),
				Timeout:   rc.Timeout(),
				Env:       pipeline.Env,
				EnvFiles:  pipeline.EnvFiles,
				CleanEnv:  pipeline.CleanEnv,
				StripANSI: true,
			}
			res, err := runner.Execute(ctx, step)
			if err != nil {
				return &check.Failure{Case: c.Name, Problems: []string{fmt.Sprintf("run: %v", err)}}
			}
			if res.ExitCode != 0 {
				problem := fmt.Sprintf("run: %q exited with code %d", c.Run, res.ExitCode)
				if msg := strings.TrimSpace(res.Stderr); msg != "" {
					problem += ": " + msg
				}
				return &check.Failure{Case: c.Name, Problems: []string{problem}}
			}
		}
		return check.Evaluate(c.Name, c.Expect, rc)
	}
}
