package app

import (
	"context"
	"errors"
	"time"
)

// Prune deletes archived events older than opts.Before.
func (a *App) Prune(ctx context.Context, opts PruneOptions) error {
	before := opts.Before.UTC()
	if before.IsZero() {
		return errors.New("prune cutoff 未设置，请检查 --before/--older-than")
	}
	if before.After(time.Now().UTC()) {
		return errors.New("prune cutoff 不能晚于当前时间")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法清理归档")
	}
	if closeStore != nil {
		defer closeStore()
	}

	total, err := store.CountEvents(ctx)
	if err != nil {
		return err
	}

	if opts.DryRun {
		a.Logger.Warn().Time("before", before).Int64("archived", total).Msg("prune dry-run：不会删除任何数据")
		return nil
	}

	deleted, err := store.DeleteEventsBefore(ctx, before)
	if err != nil {
		return err
	}

	a.Logger.Info().Time("before", before).Int64("deleted", deleted).Int64("remaining", total-deleted).Msg("归档清理完成")
	return nil
}
