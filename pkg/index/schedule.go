package index

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// Schedule runs sync on a cron schedule until the context is
// cancelled. The expression uses standard five-field cron syntax.
func (ix *Indexer) Schedule(ctx context.Context, expr string, opts Options) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	c := cron.New(cron.WithParser(parser))
	_, err := c.AddFunc(expr, func() {
		if _, err := ix.Sync(ctx, opts); err != nil {
			ix.logger.Error().Err(err).Msg("Scheduled sync failed")
		}
	})
	if err != nil {
		return err
	}

	ix.logger.Info().Str("schedule", expr).Msg("Scheduled sync started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}
