package consensus

import "context"

// Store persists disagreement records, per-prompt convergence tallies, and
// the engines that contributed to each prompt's score.
type Store interface {
	SaveDisagreement(ctx context.Context, d *Disagreement) error
	Disagreements(ctx context.Context, promptID string) ([]*Disagreement, error)

	// RecordCheck adds one consensus check to the prompt's tally and returns
	// the cumulative (agreed, total) counts including this check.
	RecordCheck(ctx context.Context, promptID string, agreed bool) (agreedCount, total int, err error)
	Tally(ctx context.Context, promptID string) (agreedCount, total int, err error)

	RecordContribution(ctx context.Context, promptID string, engineIDs []string) error
	Contributors(ctx context.Context, promptID string) ([]string, error)
}
