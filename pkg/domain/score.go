package domain

import "encoding/json"

// ScoreView is the per-backend entry of a task view: the service name, its numeric score
// (nil when absent) and backend specific extra fields, flattened on encoding.
type ScoreView struct {
	Service string
	Score   *float64
	Extra   map[string]any
}

func NewScoreView(service string, score *float64, extra map[string]any) *ScoreView {
	if extra == nil {
		extra = map[string]any{}
	}
	return &ScoreView{Service: service, Score: score, Extra: extra}
}

// BoolScore renders a validator outcome as 1 or 0.
func BoolScore(service string, ok bool) *ScoreView {
	v := 0.0
	if ok {
		v = 1
	}
	return NewScoreView(service, &v, nil)
}

func (v ScoreView) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(v.Extra)+2)
	for k, x := range v.Extra {
		out[k] = x
	}
	out["service"] = v.Service
	out["score"] = v.Score
	return json.Marshal(out)
}

func (v *ScoreView) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	v.Service, _ = raw["service"].(string)
	v.Score = nil
	if f, ok := raw["score"].(float64); ok {
		v.Score = &f
	}
	delete(raw, "service")
	delete(raw, "score")
	v.Extra = raw
	return nil
}

// DetectionRatio is 100*positives/total. ok is false when total is not positive, in which
// case there is no usable score.
func DetectionRatio(positives, total int) (score float64, ok bool) {
	if total <= 0 {
		return 0, false
	}
	return float64(positives) * 100 / float64(total), true
}

func Float(v float64) *float64 { return &v }
