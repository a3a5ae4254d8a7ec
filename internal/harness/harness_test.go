package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// goldenScenarios have a snapshot under testdata/golden.
var goldenScenarios = map[string]bool{
	"identityless_batch": true,
	"pull_cursor":        true,
	"share_and_clone":    true,
}

func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Len(t, result.Trace, len(scenario.Flow))

			if goldenScenarios[scenario.Name] {
				require.NoError(t, AssertGolden(t, scenario.Name, result))
			}
		})
	}
}

func TestRun_ExpectMismatchFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "mismatch",
		Description: "push expectation that cannot hold",
		Flow: []FlowStep{
			{As: "alice", Add: &CardSpec{Deck: "Spanish", Front: "hola", Back: "hello"}},
			{As: "alice", Push: "Spanish", Expect: &ExpectClause{Sent: intp(5)}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "flow[1] push: sent: expected 5, got 1", result.Errors[0])

	// Decks outside the deck map get a generated code.
	require.Len(t, result.Server, 1)
	for code, cards := range result.Server {
		assert.Len(t, strings.Split(code, "+"), 5)
		require.Len(t, cards, 1)
		assert.Equal(t, "uid-0001", cards[0].UID)
	}
}

func TestRun_StepErrorWithoutExpectFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "missing_note",
		Description: "editing a note that was never added",
		Flow: []FlowStep{
			{As: "alice", Edit: &CardSpec{Deck: "Spanish", Front: "hola", Back: "hi"}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Trace, 1)
	assert.Contains(t, result.Trace[0].Error, `no note "hola" in deck "Spanish"`)
}

func TestRun_FailedAssertion(t *testing.T) {
	scenario := &Scenario{
		Name:        "assert_fail",
		Description: "assertion about a registered deck nobody pushed",
		Decks:       map[string]string{"Spanish": "spanish-code"},
		Flow: []FlowStep{
			{Register: &RegisterSpec{Deck: "Spanish", Creator: "carol"}},
		},
		Assertions: []Assertion{
			{Type: AssertServerCount, Deck: "Spanish", Count: 1},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "assertions[0] server_count")
}

func TestMarshalSnapshot_Deterministic(t *testing.T) {
	r := testResult()
	r.Trace = append(r.Trace, StepTrace{Step: 0, Op: "push", User: "alice", Target: "Spanish", OK: true, Sent: 2})

	a, err := MarshalSnapshot("snap", r)
	require.NoError(t, err)
	b, err := MarshalSnapshot("snap", r)
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
	assert.True(t, strings.HasSuffix(string(a), "}\n"))
	assert.Contains(t, string(a), `"scenario_name": "snap"`)
	assert.NotContains(t, string(a), `"pass"`)
	assert.NotContains(t, string(a), `"received"`)
}
