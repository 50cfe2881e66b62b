package edgar

import (
	"context"
	"fmt"
)

// BatchResult contains the results of a batch operation
type BatchResult struct {
	Datasets map[string]*FinancialDataset // keyed by normalized ticker, partial datasets included
	Errors   map[string]error             // per-ticker failures
	Fetched  int                          // tickers that produced a dataset without error
}

// FetchBatch runs GetFinancialData for each ticker in turn. A failing ticker
// does not stop the batch; only a cancelled ctx does. Requests go through the
// aggregator's shared limiter and cache, so repeated tickers are free.
func (a *Aggregator) FetchBatch(ctx context.Context, tickers []string, opts DataOptions) (*BatchResult, error) {
	result := &BatchResult{
		Datasets: make(map[string]*FinancialDataset, len(tickers)),
		Errors:   make(map[string]error),
	}

	for i, raw := range tickers {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("batch cancelled after %d/%d tickers: %w", i, len(tickers), err)
		}

		ticker := NormalizeTicker(raw)
		if ticker == "" {
			continue
		}
		if _, done := result.Datasets[ticker]; done {
			continue
		}

		ds, err := a.GetFinancialData(ctx, ticker, opts)
		result.Datasets[ticker] = ds
		if err != nil {
			result.Errors[ticker] = err
			continue
		}
		result.Fetched++

		if (i+1)%10 == 0 {
			a.log.Info().Int("done", i+1).Int("total", len(tickers)).Msg("batch progress")
		}
	}

	if len(result.Errors) > 0 {
		a.log.Warn().Int("failed", len(result.Errors)).Int("fetched", result.Fetched).Msg("batch finished with errors")
	}
	return result, nil
}
