package batch

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/pbinitiative/zenflow/pkg/storage"
)

// seed resolves explicit keys and a query into a sorted unit list without duplicates
func (r *Runner) seed(ctx context.Context, keys []int64, query *storage.ProcessInstanceFilter) ([]int64, error) {
	res := slices.Clone(keys)
	if query != nil {
		instances, err := r.engine.Storage().FindProcessInstances(ctx, *query)
		if err != nil {
			return nil, fmt.Errorf("failed to query process instances: %w", err)
		}
		for _, instance := range instances {
			res = append(res, instance.Key)
		}
	}
	slices.Sort(res)
	res = slices.Compact(res)
	if len(res) == 0 {
		return nil, errors.New("processInstanceIds is empty")
	}
	return res, nil
}
