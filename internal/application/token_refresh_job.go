package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"archie-core-clover-layer/internal/domain"
	"archie-core-clover-layer/internal/ports"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRefreshWindow = 6 * time.Hour

	refreshPageSize    = 500
	refreshConcurrency = 8
	maxReportedErrors  = 10
)

// TokenRefreshJob renews tokens that expire soon, ahead of any webhook or sync needing them
type TokenRefreshJob struct {
	connections ports.ConnectionRepository
	tokens      *TokenManager
	window      time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

// NewTokenRefreshJob creates the job. A non-positive window falls back to DefaultRefreshWindow.
func NewTokenRefreshJob(connections ports.ConnectionRepository, tokens *TokenManager, window time.Duration, logger zerolog.Logger) *TokenRefreshJob {
	if window <= 0 {
		window = DefaultRefreshWindow
	}
	return &TokenRefreshJob{
		connections: connections,
		tokens:      tokens,
		window:      window,
		logger:      logger,
		now:         time.Now,
	}
}

// Run refreshes every connection whose token expires within the window or has no expiry.
// Individual failures are reported, not returned; only listing errors abort the run.
func (j *TokenRefreshJob) Run(ctx context.Context) (*domain.RefreshReport, error) {
	report := &domain.RefreshReport{Failures: []domain.RefreshFailure{}}
	var mu sync.Mutex
	before := j.now().Add(j.window)

	var after int64
	for {
		page, err := j.connections.ListExpiring(ctx, before, after, refreshPageSize)
		if err != nil {
			return report, fmt.Errorf("failed to list expiring connections: %w", err)
		}
		if len(page) == 0 {
			break
		}
		after = page[len(page)-1].BusinessID

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(refreshConcurrency)
		for _, conn := range page {
			g.Go(func() error {
				outcome, err := j.refreshOne(gctx, conn)

				mu.Lock()
				defer mu.Unlock()
				report.Total++
				switch outcome {
				case "refreshed":
					report.Refreshed++
				case "skipped":
					report.Skipped++
				default:
					report.Failed++
					if len(report.Failures) < maxReportedErrors {
						report.Failures = append(report.Failures, domain.RefreshFailure{
							BusinessID: conn.BusinessID,
							MerchantID: conn.MerchantID,
							Error:      err.Error(),
						})
					}
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(page) < refreshPageSize {
			break
		}
	}

	j.logger.Info().
		Int("total", report.Total).
		Int("refreshed", report.Refreshed).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("Token refresh run completed")
	return report, nil
}

func (j *TokenRefreshJob) refreshOne(ctx context.Context, conn *domain.MerchantConnection) (string, error) {
	if conn.TokenErr != nil {
		j.logger.Error().
			Err(conn.TokenErr).
			Int64("businessId", conn.BusinessID).
			Msg("Stored tokens are unreadable, skipping refresh")
		return "failed", conn.TokenErr
	}
	if !conn.HasRefreshToken() {
		return "skipped", nil
	}
	if _, err := j.tokens.Refresh(ctx, conn, TriggerBatch); err != nil {
		if errors.Is(err, domain.ErrAuthExpired) {
			return "failed", fmt.Errorf("refresh rejected, reconnect required: %w", err)
		}
		return "failed", err
	}
	return "refreshed", nil
}

// Every runs the job on a fixed interval until ctx is done
func (j *TokenRefreshJob) Every(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Run(ctx); err != nil {
				j.logger.Error().Err(err).Msg("Token refresh run failed")
			}
		}
	}
}
