// SPDX-License-Identifier: MIT

// Package triage decides whether an ingested candidate becomes a TRIAGE
// ticket. Two ordered gates; the first failing field wins and produces a
// stable policy reason.
package triage

import "fmt"

// Gate0 is the minimum-content gate.
type Gate0 struct {
	Enabled bool `yaml:"enabled"`
	MinLen  int  `yaml:"min_len"`
}

// Gate0B is the engagement gate.
type Gate0B struct {
	Enabled     bool `yaml:"enabled"`
	MinLen      int  `yaml:"min_len"`
	MinLikes    int  `yaml:"min_likes"`
	MinComments int  `yaml:"min_comments"`
}

// Gates is the ordered rule set.
type Gates struct {
	Gate0  Gate0  `yaml:"gate0"`
	Gate0B Gate0B `yaml:"gate0b"`
}

// DefaultGates returns the built-in thresholds.
func DefaultGates() Gates {
	return Gates{
		Gate0:  Gate0{Enabled: true, MinLen: 10},
		Gate0B: Gate0B{Enabled: true, MinLen: 20},
	}
}

// Candidate is the minimal view the filter needs.
type Candidate struct {
	Content  string
	Likes    int
	Comments int
}

// Result is the filter verdict. Reason is empty when Pass is true.
type Result struct {
	Pass   bool
	Reason string
}

// Evaluate applies the gates in order. Content length is measured in
// runes; a length exactly equal to the minimum passes.
func (g Gates) Evaluate(c Candidate) Result {
	contentLen := runeLen(c.Content)

	if g.Gate0.Enabled {
		if contentLen < g.Gate0.MinLen {
			return skip("gate0", "min_len")
		}
	}
	if g.Gate0B.Enabled {
		if g.Gate0B.MinLen > 0 && contentLen < g.Gate0B.MinLen {
			return skip("gate0b", "min_len")
		}
		if g.Gate0B.MinLikes > 0 && c.Likes < g.Gate0B.MinLikes {
			return skip("gate0b", "min_likes")
		}
		if g.Gate0B.MinComments > 0 && c.Comments < g.Gate0B.MinComments {
			return skip("gate0b", "min_comments")
		}
	}
	return Result{Pass: true}
}

func skip(gate, field string) Result {
	return Result{Pass: false, Reason: fmt.Sprintf("policy:%s:%s", gate, field)}
}

func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}
