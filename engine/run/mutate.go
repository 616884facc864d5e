package run

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// errNoChange tells mutate that fn left the run as it was.
var errNoChange = errors.New("no change")

// mutate re-reads the run, applies fn and commits with a version check,
// retrying with backoff when another writer got there first. fn returns
// errNoChange to skip the write.
func mutate(ctx context.Context, repo Repository, runID string, fn func(r *Run) error) (*Run, bool, error) {
	backoff := retry.WithMaxRetries(8, retry.WithJitterPercent(20, retry.NewExponential(5*time.Millisecond)))
	var (
		result  *Run
		changed bool
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		current, err := repo.Get(ctx, runID)
		if err != nil {
			return err
		}
		next := current.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, errNoChange) {
				result, changed = current, false
				return nil
			}
			return err
		}
		if err := repo.Update(ctx, next); err != nil {
			if errors.Is(err, ErrStaleVersion) {
				return retry.RetryableError(err)
			}
			return err
		}
		result, changed = next, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}
