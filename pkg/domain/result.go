package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

type ResultType string

const (
	ResultValidator ResultType = "validator"
	ResultAnalyser  ResultType = "analyser"
)

// Result is one ledger entry. Validator results only carry Validated; analyser results
// carry the remote job id, the raw upstream payload and the derived score.
type Result struct {
	Type        ResultType `json:"type"`
	ServiceName string     `json:"service"`

	Validated bool `json:"validated,omitempty"`

	RemoteID  string          `json:"remoteId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Score     *float64        `json:"score,omitempty"`
	Completed bool            `json:"completed,omitempty"`
	UpdatedAt *time.Time      `json:"updatedAt,omitempty"`
}

func NewValidatorResult(service string, validated bool) Result {
	return Result{Type: ResultValidator, ServiceName: service, Validated: validated}
}

func NewAnalyserResult(service, remoteID string) Result {
	return Result{Type: ResultAnalyser, ServiceName: service, RemoteID: remoteID}
}

func (r *Result) IsAnalyser() bool  { return r.Type == ResultAnalyser }
func (r *Result) IsValidator() bool { return r.Type == ResultValidator }

// Update stores the terminal upstream payload and score and marks the result complete.
// Calling it again with the same payload and score leaves the record unchanged.
func (r *Result) Update(payload any, score *float64, now time.Time) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if r.Completed && bytes.Equal(r.Payload, b) && sameScore(r.Score, score) {
		return nil
	}
	r.Payload = b
	if score != nil {
		v := *score
		r.Score = &v
	} else {
		r.Score = nil
	}
	r.Completed = true
	ts := now
	r.UpdatedAt = &ts
	return nil
}

// DecodePayload unmarshals the stored upstream payload; an empty payload yields an empty map.
func (r *Result) DecodePayload() (map[string]any, error) {
	out := map[string]any{}
	if len(r.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(r.Payload, &out); err != nil {
		return map[string]any{}, err
	}
	return out, nil
}

func (r Result) clone() Result {
	c := r
	if r.Payload != nil {
		c.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.Score != nil {
		v := *r.Score
		c.Score = &v
	}
	if r.UpdatedAt != nil {
		ts := *r.UpdatedAt
		c.UpdatedAt = &ts
	}
	return c
}

func sameScore(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
