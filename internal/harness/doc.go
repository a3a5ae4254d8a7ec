// Package harness runs deck sync scenarios end to end.
//
// A scenario starts an in-process sync server on a loopback port, backed by
// a fresh SQLite store, and drives one client session per user against it.
// Each user has an in-memory card collection and their own cursor and
// deck-code files.
//
// # Scenario Format
//
// Scenarios are defined in YAML files:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	decks:
//	  Spanish: spanish-code        # deck name -> deck code used on first push
//	flow:
//	  - as: alice
//	    add: { deck: Spanish, front: hola, back: hello, modified: 100 }
//	  - as: alice
//	    push: Spanish
//	    expect: { ok: true, sent: 1 }
//	  - grant: { deck: Spanish, user: bob, role: reader }
//	  - as: bob
//	    clone: Spanish
//	    expect: { ok: true, received: 1 }
//	  - raw_push:
//	      user: carol
//	      deck: raw-code
//	      cards: [{ front: a, back: b, modified: 10 }]
//	assertions:
//	  - type: server_count
//	    deck: Spanish
//	    count: 1
//	  - type: local_card
//	    user: bob
//	    deck: Spanish
//	    front: hola
//	    back: hello
//
// Steps that name a deck in clone, grant, raw_push, raw_pull or raw_clone
// resolve it through the decks map; anything not in the map is used as a
// deck code verbatim. The raw_* steps speak the wire protocol directly and
// can send cards without identities or arbitrary cursors.
//
// # Assertion Types
//
//   - server_count: the server document of a deck holds exactly count cards
//   - server_card: the server card with the given front has the given back
//   - distinct_uids: every server card of a deck has its own identity
//   - local_count: a user's local deck holds exactly count notes
//   - local_card: a user's local note with the given front has the given back
//
// # Deterministic Testing
//
// Identities come from testutil.SequenceGenerator and unspecified edit
// timestamps from testutil.Clock, so the same scenario always produces the
// same trace. RunWithGolden compares the trace and final state against
// testdata/golden/<name>.golden.
package harness
