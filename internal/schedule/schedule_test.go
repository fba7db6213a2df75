package schedule

import (
	"errors"
	"strings"
	"testing"

	"github.com/smileynet/pipecheck/internal/phase"
)

func testCase(pos int, name string, marks ...phase.Annotation) Case {
	return Case{Name: name, Position: pos, IsTest: strings.HasPrefix(name, "test"), Marks: marks}
}

func stepNames(steps []Step) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name()
	}
	return names
}

func assertOrder(t *testing.T, steps []Step, want ...string) {
	t.Helper()
	got := stepNames(steps)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestPlan_ExplicitOrders(t *testing.T) {
	// Given two before-run cases with orders 2,1 and two after-run cases with orders 1,2
	cases := []Case{
		testCase(0, "test_and_prep_executable", phase.Before(phase.WithOrder(2))),
		testCase(1, "test_init_condition", phase.Before(phase.WithOrder(1))),
		testCase(2, "test_exit_code", phase.After(phase.WithOrder(1))),
		testCase(3, "test_output_file", phase.After(phase.WithOrder(2))),
	}

	// When the group is planned
	steps, err := Plan("TestMyPipeline", cases)

	// Then before cases run by key, then the pipeline, then after cases by key
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	assertOrder(t, steps,
		"test_init_condition", "test_and_prep_executable", PipelineStepName,
		"test_exit_code", "test_output_file")
}

func TestPlan_BasicBeforeThenAfter(t *testing.T) {
	// Given an after-run case declared before a before-run case
	cases := []Case{
		testCase(0, "test_exit_code", phase.After()),
		testCase(1, "test_and_prep_executable", phase.Before()),
	}

	steps, err := Plan("g", cases)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	assertOrder(t, steps, "test_and_prep_executable", PipelineStepName, "test_exit_code")
}

func TestPlan_ExplicitOrdersPrecedeImplicit(t *testing.T) {
	// Given a mix of ordered and unordered before-run cases
	cases := []Case{
		testCase(0, "test_a", phase.Before()),
		testCase(1, "test_b", phase.Before(phase.WithOrder(5))),
		testCase(2, "test_c", phase.Before()),
		testCase(3, "test_d", phase.Before(phase.WithOrder(-1))),
	}

	steps, err := Plan("g", cases)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	// Then explicitly ordered peers come first by key, then the rest by position
	assertOrder(t, steps, "test_d", "test_b", "test_a", "test_c", PipelineStepName)
}

func TestPlan_EqualOrdersAreStable(t *testing.T) {
	cases := []Case{
		testCase(0, "test_second_declared_first", phase.After(phase.WithOrder(1))),
		testCase(1, "test_other", phase.After(phase.WithOrder(1))),
		testCase(2, "test_zero", phase.After(phase.WithOrder(0))),
	}

	steps, err := Plan("g", cases)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	assertOrder(t, steps, PipelineStepName, "test_zero", "test_second_declared_first", "test_other")
}

func TestPlan_NoCasesStillRunsPipelineOnce(t *testing.T) {
	steps, err := Plan("g", nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	assertOrder(t, steps, PipelineStepName)
}

func TestPlan_UnannotatedTestsAppended(t *testing.T) {
	// Given plain test cases declared among annotated ones
	cases := []Case{
		testCase(0, "test_plain_one"),
		testCase(1, "test_exit_code", phase.After()),
		testCase(2, "test_prep", phase.Before()),
		testCase(3, "test_plain_two"),
	}

	steps, err := Plan("g", cases)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	// Then plain cases keep declaration order after the after-run bucket
	assertOrder(t, steps, "test_prep", PipelineStepName, "test_exit_code", "test_plain_one", "test_plain_two")
	if steps[3].Phase != phase.Unannotated {
		t.Errorf("plain case phase = %v, want %v", steps[3].Phase, phase.Unannotated)
	}
}

func TestPlan_NonTestWithoutOrderIsExcluded(t *testing.T) {
	// Given a helper (non-test) marked before_run without an order
	cases := []Case{
		testCase(0, "prep_executable", phase.Before()),
		testCase(1, "test_exit_code", phase.After()),
		testCase(2, "helper"),
	}

	steps, err := Plan("g", cases)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	// Then the helper is not scheduled at all
	assertOrder(t, steps, PipelineStepName, "test_exit_code")
}

func TestPlan_NonTestWithOrderIsDeclarationError(t *testing.T) {
	// Given a non-test callable carrying an explicit order next to valid cases
	cases := []Case{
		testCase(0, "test_ok", phase.Before()),
		testCase(1, "prep_executable", phase.Before(phase.WithOrder(2))),
		testCase(2, "test_exit_code", phase.After()),
	}

	// When the group is planned
	steps, err := Plan("TestMyPipeline", cases)

	// Then scheduling fails for the whole group
	if steps != nil {
		t.Errorf("steps = %v, want nil", stepNames(steps))
	}
	var de *DeclarationError
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want *DeclarationError", err)
	}
	if de.Case != "prep_executable" || de.Group != "TestMyPipeline" {
		t.Errorf("DeclarationError = %+v", de)
	}
	if !strings.Contains(err.Error(), "non-test") || !strings.Contains(err.Error(), "order") {
		t.Errorf("message %q should name the rule", err.Error())
	}
}

func TestPlan_BothKindsIsDeclarationError(t *testing.T) {
	cases := []Case{
		testCase(0, "test_confused", phase.Before(), phase.After()),
	}

	_, err := Plan("g", cases)

	var de *DeclarationError
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want *DeclarationError", err)
	}
	if !strings.Contains(de.Reason, "both") {
		t.Errorf("Reason = %q, want mention of both kinds", de.Reason)
	}
}

func TestPlan_SameKindTwiceIsDeclarationError(t *testing.T) {
	cases := []Case{
		testCase(0, "test_twice", phase.After(phase.WithOrder(1)), phase.After(phase.WithOrder(2))),
	}

	_, err := Plan("g", cases)

	var de *DeclarationError
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want *DeclarationError", err)
	}
}

func TestResolve_ZeroValueMarkIsUnannotated(t *testing.T) {
	k, err := Resolve("g", testCase(0, "test_x", phase.Annotation{}))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if k != phase.Unannotated {
		t.Errorf("Resolve() = %v, want %v", k, phase.Unannotated)
	}
}

func TestDeclarationError_Message(t *testing.T) {
	e := &DeclarationError{Group: "G", Case: "c", Reason: "bad"}
	if got := e.Error(); got != "declaration: G::c: bad" {
		t.Errorf("Error() = %q", got)
	}
	e.Group = ""
	if got := e.Error(); got != "declaration: c: bad" {
		t.Errorf("Error() = %q", got)
	}
}

func TestCaseCount(t *testing.T) {
	steps, _ := Plan("g", []Case{
		testCase(0, "test_a", phase.Before()),
		testCase(1, "test_b", phase.After()),
	})
	if got := CaseCount(steps); got != 2 {
		t.Errorf("CaseCount = %d, want 2", got)
	}
}
