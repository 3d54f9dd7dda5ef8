package backends

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/osvaldoandrade/inspector/pkg/domain"
)

const CuckooName = "cuckoo"

// Cuckoo submits samples to a Cuckoo sandbox REST API and scores them by malscore.
type Cuckoo struct {
	*upstreamClient
	logger *slog.Logger
}

var (
	_ Analyser     = (*Cuckoo)(nil)
	_ Configurable = (*Cuckoo)(nil)
)

func NewCuckoo(cfg UpstreamConfig) (*Cuckoo, error) {
	cfg.Service = CuckooName
	c, err := newUpstreamClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Cuckoo{upstreamClient: c, logger: c.logger}, nil
}

func (c *Cuckoo) Name() string { return CuckooName }

func (c *Cuckoo) Usable() bool { return c.usable() }

func (c *Cuckoo) Submit(ctx context.Context, task *domain.Task) (string, error) {
	var (
		data Report
		err  error
	)
	switch task.Kind {
	case domain.KindURL:
		data, err = c.postMultipart(ctx, "/tasks/create/url", map[string]string{"url": task.URL}, nil)
	case domain.KindFile:
		data, err = c.postMultipart(ctx, "/tasks/create/file", nil, &filePart{
			Field:    "file",
			FileName: task.FileName,
			Data:     task.FileData,
		})
	default:
		return "", fmt.Errorf("%w: unsupported task kind %q", domain.ErrParameter, task.Kind)
	}
	if err != nil {
		return "", err
	}
	if ids, ok := data["task_ids"].([]any); ok && len(ids) > 0 {
		if id, ok := (Report{"id": ids[0]}).String("id"); ok {
			return id, nil
		}
	}
	if id, ok := data.String("task_id"); ok {
		return id, nil
	}
	return "", fmt.Errorf("%w: cuckoo task id not found in response", domain.ErrResponse)
}

// Poll ignores kind: cuckoo reports are addressed by task id only.
func (c *Cuckoo) Poll(ctx context.Context, _ domain.TaskKind, remoteID string) (Report, error) {
	data, err := c.get(ctx, "/tasks/report/"+remoteID, nil)
	if err != nil {
		if domain.IsUpstreamNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (c *Cuckoo) Merge(result *domain.Result, data Report) error {
	if len(data) == 0 {
		return nil
	}
	malscore, ok := data.Float("malscore")
	if !ok {
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		return fmt.Errorf("%w: expected \"malscore\" in response keys, found %v", domain.ErrResponse, keys)
	}
	return result.Update(data, &malscore, now())
}

func (c *Cuckoo) Score(task *domain.Task) *domain.ScoreView {
	r := task.Result(CuckooName)
	if r == nil {
		c.logger.Warn("no result found for task", "task", task.ID)
		return nil
	}
	return domain.NewScoreView(CuckooName, r.Score, nil)
}
