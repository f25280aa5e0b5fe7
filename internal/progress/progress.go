// Package progress reports crawl completion for a set of targets by reading
// target records, not job records.
package progress

import (
	"context"

	"crawlflow/internal/domain"
)

// TargetReader is the slice of the store the aggregator needs.
type TargetReader interface {
	GetTargets(ctx context.Context, ids []string) (map[string]domain.Target, error)
}

type Aggregator struct {
	targets TargetReader
}

func New(targets TargetReader) *Aggregator {
	return &Aggregator{targets: targets}
}

// Progress reports each id in order. Unknown ids are not done, so Completed
// stays false until every id resolves to a crawled target. A target whose crawl
// job failed before writing an outcome is indistinguishable from a pending one.
func (a *Aggregator) Progress(ctx context.Context, ids []string) (domain.Progress, error) {
	found, err := a.targets.GetTargets(ctx, ids)
	if err != nil {
		return domain.Progress{}, err
	}

	out := domain.Progress{Completed: true, Targets: make([]domain.TargetProgress, 0, len(ids))}
	for _, id := range ids {
		tp := domain.TargetProgress{ID: id}
		if t, ok := found[id]; ok {
			tp.Known = true
			tp.Done = t.Done()
			tp.HasError = t.Error != ""
			tp.RequestCount = len(t.Requests)
		}
		if !tp.Done {
			out.Completed = false
		}
		out.Targets = append(out.Targets, tp)
	}
	return out, nil
}
