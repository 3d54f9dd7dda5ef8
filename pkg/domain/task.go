package domain

import (
	"crypto/sha256"
	"encoding"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

type TaskKind string

const (
	KindURL  TaskKind = "URL"
	KindFile TaskKind = "FILE"
)

// Path is the lower-case form used by upstream APIs and routes ("url", "file").
func (k TaskKind) Path() string { return strings.ToLower(string(k)) }

func (k TaskKind) Valid() bool { return k == KindURL || k == KindFile }

type TaskState string

const (
	StateCreated  TaskState = "CREATED"
	StatePolling  TaskState = "POLLING"
	StateComplete TaskState = "COMPLETE"
)

var (
	_ encoding.BinaryMarshaler = TaskKind("")
	_ encoding.TextMarshaler   = TaskKind("")
	_ encoding.BinaryMarshaler = TaskState("")
	_ encoding.TextMarshaler   = TaskState("")
)

func (k TaskKind) MarshalBinary() ([]byte, error) { return []byte(string(k)), nil }
func (k TaskKind) MarshalText() ([]byte, error)   { return []byte(string(k)), nil }

func (s TaskState) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s TaskState) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }

// Task is one submitted URL or file and the per-backend result ledger built for it.
type Task struct {
	ID          int64    `json:"id"`
	Kind        TaskKind `json:"kind"`
	URL         string   `json:"url,omitempty"`
	FileName    string   `json:"filename,omitempty"`
	FileData    []byte   `json:"filedata,omitempty"`
	Fingerprint string   `json:"fingerprint"`
	Completed   bool     `json:"completed"`
	Webhook     string   `json:"webhook,omitempty"`
	// TraceParent/TraceState keep the W3C trace context of the creating request so poll
	// ticks can be correlated with it.
	TraceParent string     `json:"traceParent,omitempty"`
	TraceState  string     `json:"traceState,omitempty"`
	Results     []Result   `json:"results"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Fingerprint returns the lower-case hex SHA-256 digest of data.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NormalizeFingerprint lower-cases fp and checks it looks like a SHA-256 hex digest.
func NormalizeFingerprint(fp string) (string, error) {
	fp = strings.ToLower(strings.TrimSpace(fp))
	if len(fp) != sha256.Size*2 {
		return "", fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidFingerprint, sha256.Size*2, len(fp))
	}
	if _, err := hex.DecodeString(fp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFingerprint, err)
	}
	return fp, nil
}

func NewURLTask(rawURL string, now time.Time) (*Task, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrParameter)
	}
	return &Task{
		Kind:        KindURL,
		URL:         rawURL,
		Fingerprint: Fingerprint([]byte(rawURL)),
		Results:     []Result{},
		CreatedAt:   now,
	}, nil
}

// NewFileTask builds a FILE task. A missing filename defaults to the fingerprint.
func NewFileTask(data []byte, filename string, now time.Time) (*Task, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: file data is required", ErrParameter)
	}
	fp := Fingerprint(data)
	filename = strings.TrimSpace(filename)
	if filename == "" {
		filename = fp
	}
	return &Task{
		Kind:        KindFile,
		FileName:    filename,
		FileData:    data,
		Fingerprint: fp,
		Results:     []Result{},
		CreatedAt:   now,
	}, nil
}

// NewFileTaskFromFingerprint builds a FILE task with no content attached.
func NewFileTaskFromFingerprint(fp string, now time.Time) (*Task, error) {
	fp, err := NormalizeFingerprint(fp)
	if err != nil {
		return nil, err
	}
	return &Task{
		Kind:        KindFile,
		Fingerprint: fp,
		Results:     []Result{},
		CreatedAt:   now,
	}, nil
}

func (t *Task) IsURL() bool  { return t.Kind == KindURL }
func (t *Task) IsFile() bool { return t.Kind == KindFile }

// HasContent reports whether the task carries the bytes it was fingerprinted from.
func (t *Task) HasContent() bool {
	if t.IsURL() {
		return t.URL != ""
	}
	return len(t.FileData) > 0
}

// AddResult appends r to the ledger; a second result for the same service is rejected.
func (t *Task) AddResult(r Result) error {
	if strings.TrimSpace(r.ServiceName) == "" {
		return fmt.Errorf("%w: result without service name", ErrParameter)
	}
	if t.Result(r.ServiceName) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateResult, r.ServiceName)
	}
	t.Results = append(t.Results, r)
	return nil
}

// Result returns the first result recorded for service, or nil.
func (t *Task) Result(service string) *Result {
	for i := range t.Results {
		if t.Results[i].ServiceName == service {
			return &t.Results[i]
		}
	}
	return nil
}

// ResultsFor returns every result recorded for service. More than one is a ledger
// integrity violation that callers are expected to report.
func (t *Task) ResultsFor(service string) []*Result {
	var out []*Result
	for i := range t.Results {
		if t.Results[i].ServiceName == service {
			out = append(out, &t.Results[i])
		}
	}
	return out
}

// AnalysersComplete is true when every analyser result is complete; vacuously true
// when the task has none.
func (t *Task) AnalysersComplete() bool {
	for i := range t.Results {
		if t.Results[i].IsAnalyser() && !t.Results[i].Completed {
			return false
		}
	}
	return true
}

func (t *Task) PendingAnalysers() int {
	n := 0
	for i := range t.Results {
		if t.Results[i].IsAnalyser() && !t.Results[i].Completed {
			n++
		}
	}
	return n
}

// MarkCompleted flips the completion flag. It never reverts and keeps the first timestamp.
func (t *Task) MarkCompleted(now time.Time) {
	if t.Completed {
		return
	}
	t.Completed = true
	ts := now
	t.CompletedAt = &ts
}

func (t *Task) State() TaskState {
	switch {
	case t.Completed:
		return StateComplete
	case t.PendingAnalysers() > 0:
		return StatePolling
	default:
		return StateCreated
	}
}

// Clone returns a deep copy so stores can hand out independent working copies.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.FileData != nil {
		c.FileData = append([]byte(nil), t.FileData...)
	}
	c.Results = make([]Result, len(t.Results))
	for i, r := range t.Results {
		c.Results[i] = r.clone()
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

func (t *Task) String() string {
	subject := t.URL
	if t.IsFile() {
		subject = t.FileName
		if subject == "" {
			subject = t.Fingerprint
		}
	}
	return fmt.Sprintf("task %d (%s) at %s for %s", t.ID, t.Kind, t.CreatedAt.Format(time.RFC3339), subject)
}

// TaskSummary is the status projection returned by the API.
type TaskSummary struct {
	ID          int64      `json:"id"`
	Kind        TaskKind   `json:"kind"`
	Fingerprint string     `json:"fingerprint"`
	State       TaskState  `json:"state"`
	Completed   bool       `json:"completed"`
	Results     int        `json:"results"`
	Pending     int        `json:"pending"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func (t *Task) Summary() TaskSummary {
	return TaskSummary{
		ID:          t.ID,
		Kind:        t.Kind,
		Fingerprint: t.Fingerprint,
		State:       t.State(),
		Completed:   t.Completed,
		Results:     len(t.Results),
		Pending:     t.PendingAnalysers(),
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
}

// StoreStats feeds the store gauges exported to Prometheus.
type StoreStats struct {
	Tasks   int64 `json:"tasks"`
	Pending int64 `json:"pending"`
}
