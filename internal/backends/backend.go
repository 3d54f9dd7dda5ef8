// Package backends holds the remote analysers and local validators a task is fanned out to.
package backends

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/osvaldoandrade/inspector/pkg/domain"
)

var now = time.Now

// Report is a decoded upstream JSON document.
type Report map[string]any

// Backend is anything that contributes an entry to a task view.
type Backend interface {
	Name() string
	// Score renders the stored result for this backend, or nil when the task has none.
	Score(task *domain.Task) *domain.ScoreView
}

// Analyser is a remote, asynchronous backend that is submitted once and polled until done.
type Analyser interface {
	Backend
	// Usable is true when authentication material is configured.
	Usable() bool
	// Submit starts a remote analysis and returns its remote job id.
	Submit(ctx context.Context, task *domain.Task) (string, error)
	// Poll fetches the report for remoteID; a nil report means not ready yet.
	Poll(ctx context.Context, kind domain.TaskKind, remoteID string) (Report, error)
	// Merge folds a ready report into result, completing it when the report is terminal.
	Merge(result *domain.Result, data Report) error
}

// FingerprintSubmitter is implemented by analysers that can start from a content hash alone.
type FingerprintSubmitter interface {
	SubmitFromFingerprint(ctx context.Context, fingerprint string) (string, error)
}

// Validator is a synchronous, single-shot backend.
type Validator interface {
	Backend
	Validate(ctx context.Context, task *domain.Task) (bool, error)
}

// Configurable backends accept credential updates at runtime.
type Configurable interface {
	Credentials() domain.Credentials
	SetCredentials(creds domain.Credentials) error
}

// Set is the flat, name-unique list of configured backends.
type Set struct {
	Analysers  []Analyser
	Validators []Validator
}

// NewSet checks that names are unique across analysers and validators.
func NewSet(analysers []Analyser, validators []Validator) (*Set, error) {
	seen := map[string]bool{}
	for _, a := range analysers {
		if seen[a.Name()] {
			return nil, fmt.Errorf("%w: duplicate backend name %q", domain.ErrConfiguration, a.Name())
		}
		seen[a.Name()] = true
	}
	for _, v := range validators {
		if seen[v.Name()] {
			return nil, fmt.Errorf("%w: duplicate backend name %q", domain.ErrConfiguration, v.Name())
		}
		seen[v.Name()] = true
	}
	return &Set{Analysers: analysers, Validators: validators}, nil
}

// Analyser returns the analyser called name, or nil.
func (s *Set) Analyser(name string) Analyser {
	for _, a := range s.Analysers {
		if a.Name() == name {
			return a
		}
	}
	return nil
}

// Usable returns the analysers whose credentials are configured.
func (s *Set) Usable() []Analyser {
	out := make([]Analyser, 0, len(s.Analysers))
	for _, a := range s.Analysers {
		if a.Usable() {
			out = append(out, a)
		}
	}
	return out
}

// validatorScore is shared by validators: 1 when validated, 0 otherwise.
func validatorScore(name string, task *domain.Task, logger *slog.Logger) *domain.ScoreView {
	r := task.Result(name)
	if r == nil {
		logger.Warn("no result found for task", "task", task.ID, "service", name)
		return nil
	}
	return domain.BoolScore(name, r.Validated)
}

func (r Report) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// Int reads a JSON number (or numeric string) as int.
func (r Report) Int(key string) (int, bool) {
	return toInt(r[key])
}

func (r Report) Float(key string) (float64, bool) {
	switch v := r[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func (r Report) String(key string) (string, bool) {
	switch v := r[key].(type) {
	case string:
		return v, v != ""
	case float64:
		return formatID(v), true
	}
	return "", false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

// formatID renders numeric remote ids as integers ("7", not "7.000000").
func formatID(v float64) string {
	if v == math.Trunc(v) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
