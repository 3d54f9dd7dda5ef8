package backends

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/osvaldoandrade/inspector/pkg/domain"
)

const VirusTotalName = "virustotal"

// VirusTotal talks to the public v2 API. Reports are addressable by resource id or by
// content hash.
type VirusTotal struct {
	*upstreamClient
	logger *slog.Logger
}

var (
	_ Analyser             = (*VirusTotal)(nil)
	_ FingerprintSubmitter = (*VirusTotal)(nil)
	_ Configurable         = (*VirusTotal)(nil)
)

func NewVirusTotal(cfg UpstreamConfig) (*VirusTotal, error) {
	cfg.Service = VirusTotalName
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.virustotal.com"
	}
	c, err := newUpstreamClient(cfg)
	if err != nil {
		return nil, err
	}
	return &VirusTotal{upstreamClient: c, logger: c.logger}, nil
}

func (v *VirusTotal) Name() string { return VirusTotalName }

func (v *VirusTotal) Usable() bool { return v.usable() }

func (v *VirusTotal) Submit(ctx context.Context, task *domain.Task) (string, error) {
	var (
		data Report
		err  error
	)
	switch task.Kind {
	case domain.KindURL:
		data, err = v.postMultipart(ctx, "/vtapi/v2/url/scan", map[string]string{"url": task.URL}, nil)
	case domain.KindFile:
		// Reuse an existing report instead of uploading the same sample again.
		data, err = v.known(ctx, task.Fingerprint)
		if err == nil && data == nil {
			data, err = v.postMultipart(ctx, "/vtapi/v2/file/scan", nil, &filePart{
				Field:    "file",
				FileName: task.FileName,
				Data:     task.FileData,
			})
		}
	default:
		return "", fmt.Errorf("%w: unsupported task kind %q", domain.ErrParameter, task.Kind)
	}
	if err != nil {
		return "", err
	}
	resource, ok := data.String("resource")
	if !ok {
		return "", fmt.Errorf("%w: resource not found in virustotal response", domain.ErrResponse)
	}
	return resource, nil
}

// SubmitFromFingerprint returns the resource of an existing report, or the fingerprint
// itself when the sample is unknown so later polls pick it up once it is.
func (v *VirusTotal) SubmitFromFingerprint(ctx context.Context, fingerprint string) (string, error) {
	data, err := v.known(ctx, fingerprint)
	if err != nil {
		return "", err
	}
	if data != nil {
		if resource, ok := data.String("resource"); ok {
			return resource, nil
		}
	}
	return fingerprint, nil
}

// known returns the file report for fingerprint when virustotal already has one.
func (v *VirusTotal) known(ctx context.Context, fingerprint string) (Report, error) {
	data, err := v.Report(ctx, domain.KindFile, fingerprint)
	if err != nil {
		if domain.IsUpstreamNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if code, _ := data.Int("response_code"); code != 1 {
		return nil, nil
	}
	return data, nil
}

// Report fetches the raw report for resource. It is also served by the passthrough endpoints.
func (v *VirusTotal) Report(ctx context.Context, kind domain.TaskKind, resource string) (Report, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unsupported task kind %q", domain.ErrParameter, kind)
	}
	return v.get(ctx, "/vtapi/v2/"+kind.Path()+"/report", url.Values{"resource": {resource}})
}

func (v *VirusTotal) Poll(ctx context.Context, kind domain.TaskKind, remoteID string) (Report, error) {
	data, err := v.Report(ctx, kind, remoteID)
	if err != nil {
		if domain.IsUpstreamNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if code, _ := data.Int("response_code"); code != 1 {
		return nil, nil
	}
	return data, nil
}

func (v *VirusTotal) Merge(result *domain.Result, data Report) error {
	if code, _ := data.Int("response_code"); code != 1 {
		return nil
	}
	return result.Update(data, v.detectionScore(data), now())
}

// detectionScore is the percentage of engines that flagged the resource. A report without a
// total falls back to counting its scans; zero engines yields no score.
func (v *VirusTotal) detectionScore(data Report) *float64 {
	scans, _ := data["scans"].(map[string]any)
	total, ok := data.Int("total")
	if !ok || total == 0 {
		if len(scans) > 0 {
			v.logger.Warn("no total found, counting the result set; the api may have changed", "count", len(scans))
			total = len(scans)
		}
	}
	positives := 0
	for _, s := range scans {
		if entry, ok := s.(map[string]any); ok {
			if detected, _ := entry["detected"].(bool); detected {
				positives++
			}
		}
	}
	if ratio, ok := domain.DetectionRatio(positives, total); ok {
		return &ratio
	}
	return nil
}

// View scores resource straight from the upstream without creating a task. It returns nil
// when VirusTotal does not know the resource.
func (v *VirusTotal) View(ctx context.Context, kind domain.TaskKind, resource string) (*domain.ScoreView, error) {
	data, err := v.Report(ctx, kind, resource)
	if err != nil {
		if domain.IsUpstreamNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if code, _ := data.Int("response_code"); code != 1 {
		return nil, nil
	}
	return domain.NewScoreView(VirusTotalName, v.detectionScore(data), map[string]any{
		"total":     data["total"],
		"positives": data["positives"],
		"scan_date": data["scan_date"],
	}), nil
}

func (v *VirusTotal) Score(task *domain.Task) *domain.ScoreView {
	r := task.Result(VirusTotalName)
	if r == nil {
		v.logger.Warn("no result found for task", "task", task.ID)
		return nil
	}
	payload, err := r.DecodePayload()
	if err != nil {
		v.logger.Error("decode stored report", "task", task.ID, "err", err)
	}
	return domain.NewScoreView(VirusTotalName, r.Score, map[string]any{
		"total":     payload["total"],
		"positives": payload["positives"],
		"scan_date": payload["scan_date"],
	})
}
