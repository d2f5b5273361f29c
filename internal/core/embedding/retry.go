package embedding

import (
	"context"
	"log/slog"
	"time"
)

// retryWithBackoff は操作を指数バックオフ付きでリトライする。
// タイムアウトはリトライ可能な失敗として扱われ、兄弟処理を
// キャンセルしない。全試行が失敗した場合は最後のエラーを返す。
func retryWithBackoff(ctx context.Context, operation func() error, maxAttempts int, baseDelay time.Duration, logger *slog.Logger) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = operation()
		if lastErr == nil {
			if attempt > 1 {
				logger.Debug("リトライ後に成功", "attempt", attempt)
			}
			return nil
		}

		if attempt == maxAttempts {
			break
		}

		delay := baseDelay << (attempt - 1)
		logger.Debug("操作に失敗、リトライします",
			"attempt", attempt,
			"maxAttempts", maxAttempts,
			"delay", delay,
			"error", lastErr,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
