package anomaly

import (
	"errors"
	"fmt"
)

// Fusion combines per-detector votes into one flag per reading.
type Fusion interface {
	Name() string
	Fuse(votes ...[]bool) ([]bool, error)
}

var ErrNoVotes = errors.New("no votes to fuse")

// And flags a reading only when every detector flagged it.
type And struct{}

// Or flags a reading when any detector flagged it.
type Or struct{}

// NOfM flags a reading when at least N detectors flagged it.
type NOfM struct {
	N int
}

func (And) Name() string    { return "and" }
func (Or) Name() string     { return "or" }
func (f NOfM) Name() string { return fmt.Sprintf("%d-of-m", f.N) }

func (And) Fuse(votes ...[]bool) ([]bool, error) {
	return fuse(votes, func(hits, total int) bool { return hits == total })
}

func (Or) Fuse(votes ...[]bool) ([]bool, error) {
	return fuse(votes, func(hits, _ int) bool { return hits > 0 })
}

func (f NOfM) Fuse(votes ...[]bool) ([]bool, error) {
	if f.N < 1 || f.N > len(votes) {
		return nil, fmt.Errorf("n-of-m: need 1 <= n <= %d, got %d", len(votes), f.N)
	}
	return fuse(votes, func(hits, _ int) bool { return hits >= f.N })
}

// NewFusion returns the policy registered under name: "and", "or" or "n-of-m".
func NewFusion(name string, n int) (Fusion, error) {
	switch name {
	case "and", "":
		return And{}, nil
	case "or":
		return Or{}, nil
	case "n-of-m":
		return NOfM{N: n}, nil
	default:
		return nil, fmt.Errorf("unknown fusion policy %q", name)
	}
}

func fuse(votes [][]bool, decide func(hits, total int) bool) ([]bool, error) {
	if len(votes) == 0 {
		return nil, ErrNoVotes
	}
	n := len(votes[0])
	for _, v := range votes[1:] {
		if len(v) != n {
			return nil, lengthError(len(v), n)
		}
	}
	out := make([]bool, n)
	for i := range out {
		hits := 0
		for _, v := range votes {
			if v[i] {
				hits++
			}
		}
		out[i] = decide(hits, len(votes))
	}
	return out, nil
}

func lengthError(got, want int) error {
	return fmt.Errorf("flag length %d does not match %d readings", got, want)
}
