package harness

import (
	"fmt"

	"github.com/roach88/decksync/internal/model"
)

// checkExpect compares a step trace to its expect clause and returns one
// message per mismatch.
func checkExpect(trace StepTrace, want ExpectClause) []string {
	var msgs []string
	if want.Error {
		if trace.Error == "" {
			msgs = append(msgs, "expected an error, got none")
		}
		return msgs
	}
	if trace.Error != "" {
		return []string{"unexpected error: " + trace.Error}
	}

	if want.OK != nil && *want.OK != trace.OK {
		msgs = append(msgs, fmt.Sprintf("ok: expected %v, got %v (%s)", *want.OK, trace.OK, trace.Message))
	}
	ints := []struct {
		name string
		want *int
		got  int
	}{
		{"inserted", want.Inserted, trace.Inserted},
		{"updated", want.Updated, trace.Updated},
		{"skipped", want.Skipped, trace.Skipped},
		{"received", want.Received, trace.Received},
		{"sent", want.Sent, trace.Sent},
	}
	for _, f := range ints {
		if f.want != nil && *f.want != f.got {
			msgs = append(msgs, fmt.Sprintf("%s: expected %d, got %d", f.name, *f.want, f.got))
		}
	}
	if want.Cursor != nil && *want.Cursor != trace.Cursor {
		msgs = append(msgs, fmt.Sprintf("cursor: expected %d, got %d", *want.Cursor, trace.Cursor))
	}
	return msgs
}

// evaluateAssertion checks one assertion against the final state. code is
// the assertion's deck resolved through the scenario's deck map.
func evaluateAssertion(result *Result, code string, a Assertion) error {
	switch a.Type {
	case AssertServerCount:
		if got := len(result.Server[code]); got != a.Count {
			return fmt.Errorf("deck %s: expected %d server cards, got %d", code, a.Count, got)
		}
	case AssertServerCard:
		return matchCard(result.Server[code], a, "server deck "+code)
	case AssertDistinctUIDs:
		seen := make(map[string]bool)
		for _, c := range result.Server[code] {
			if c.UID == "" {
				return fmt.Errorf("deck %s: card %q has no identity", code, c.Front)
			}
			if seen[c.UID] {
				return fmt.Errorf("deck %s: identity %s used twice", code, c.UID)
			}
			seen[c.UID] = true
		}
	case AssertLocalCount:
		if got := len(result.Local[a.User][a.Deck]); got != a.Count {
			return fmt.Errorf("%s/%s: expected %d local notes, got %d", a.User, a.Deck, a.Count, got)
		}
	case AssertLocalCard:
		return matchCard(result.Local[a.User][a.Deck], a, a.User+"/"+a.Deck)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// matchCard requires exactly one card with the assertion's front, carrying
// the assertion's back.
func matchCard(cards []CardState, a Assertion, where string) error {
	key := model.MatchKey(a.Front)
	var found []CardState
	for _, c := range cards {
		if model.MatchKey(c.Front) == key {
			found = append(found, c)
		}
	}
	switch {
	case len(found) == 0:
		return fmt.Errorf("%s: no card %q", where, a.Front)
	case len(found) > 1:
		return fmt.Errorf("%s: %d cards %q", where, len(found), a.Front)
	case found[0].Back != a.Back:
		return fmt.Errorf("%s: card %q: expected back %q, got %q", where, a.Front, a.Back, found[0].Back)
	}
	return nil
}
