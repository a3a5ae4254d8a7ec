// Package merge is the reconciliation engine: it folds an incoming card batch
// into a deck document by stable identity, last write wins.
package merge

import (
	"fmt"

	"github.com/roach88/decksync/internal/identity"
	"github.com/roach88/decksync/internal/model"
)

// Outcome is the decision taken for one incoming card.
type Outcome string

const (
	Inserted Outcome = "inserted"
	Updated  Outcome = "updated"
	Skipped  Outcome = "skipped"
)

// Report counts the decisions of one Reconcile call.
type Report struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// Changed reports whether the document was modified.
func (r Report) Changed() bool {
	return r.Inserted > 0 || r.Updated > 0
}

// Add records one outcome.
func (r *Report) Add(o Outcome) {
	switch o {
	case Inserted:
		r.Inserted++
	case Updated:
		r.Updated++
	case Skipped:
		r.Skipped++
	}
}

// String formats the report for logs and CLI output.
func (r Report) String() string {
	return fmt.Sprintf("inserted=%d updated=%d skipped=%d", r.Inserted, r.Updated, r.Skipped)
}

// Decide applies the last-write-wins rule to one card whose identity is
// already known. Equal timestamps keep the existing record.
func Decide(existing model.Card, found bool, incoming model.Card) Outcome {
	switch {
	case !found:
		return Inserted
	case incoming.LastModified > existing.LastModified:
		return Updated
	default:
		return Skipped
	}
}

// Reconcile merges incoming into a copy of existing and returns the result.
// existing is never mutated.
//
// Cards are applied in order:
//  1. no identity: a new one is generated and the card is inserted
//  2. identity already stored: replaced only when strictly newer
//  3. identity new to the document: inserted
//
// A card whose identity is only present as a sync_uid tag uses that identity.
func Reconcile(existing model.Document, incoming []model.Card, gen identity.Generator) (model.Document, Report) {
	out := existing.Clone()
	var report Report

	for _, c := range incoming {
		c = c.Clone()
		if c.StableUID == "" {
			c.StableUID = c.Tags.UID()
		}
		if c.StableUID == "" {
			c.StableUID = gen.Generate()
		}
		if c.Tags.UID() != c.StableUID {
			c.Tags = c.Tags.WithUID(c.StableUID)
		}

		stored, found := out[c.StableUID]
		outcome := Decide(stored, found, c)
		if outcome != Skipped {
			out[c.StableUID] = c
		}
		report.Add(outcome)
	}
	return out, report
}

// Since returns the cards of doc modified strictly after cursor.
func Since(doc model.Document, cursor int64) model.Document {
	out := make(model.Document)
	for uid, c := range doc {
		if c.LastModified > cursor {
			out[uid] = c.Clone()
		}
	}
	return out
}
