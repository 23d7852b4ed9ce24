package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"adwatch/internal/events"
	"adwatch/internal/pipeline"
	"adwatch/internal/store"
)

// StoreSink persists a run's items through the listing store. All upserts
// of one run share a single transaction; image-update events are buffered
// and handed back for publication after commit.
type StoreSink struct {
	store  *store.Store
	logger *zap.Logger
}

func NewStoreSink(st *store.Store, logger *zap.Logger) *StoreSink {
	return &StoreSink{store: st, logger: logger}
}

func (s *StoreSink) PersistRun(ctx context.Context, job store.ScheduledJob, res *pipeline.Result) (int, []events.ListingImagesUpdated, error) {
	searchParams := searchParamsForJob(job)

	count := 0
	var buffered []events.ListingImagesUpdated
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		for _, item := range res.Items {
			if item.Summary.ExternalID == "" {
				s.logger.Warn("item skipped, missing external id",
					zap.String("job_name", job.Name))
				continue
			}
			out, err := tx.UpsertListing(ctx, item.Summary, item.Detail, job.Name, searchParams)
			if err != nil {
				return err
			}
			count++
			if out.ImagesChanged {
				buffered = append(buffered, events.ListingImagesUpdated{
					ListingID:   out.Listing.ID,
					ExternalID:  out.Listing.ExternalID,
					ImageURLs:   out.Listing.ImageURLs,
					TriggeredAt: time.Now().UTC(),
				})
			}
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return count, buffered, nil
}

func searchParamsForJob(job store.ScheduledJob) map[string]any {
	params := map[string]any{"page_count": job.PageCount}
	if job.Query != nil {
		params["query"] = *job.Query
	}
	if job.Location != nil {
		params["location"] = *job.Location
	}
	if job.RadiusKm != nil {
		params["radius"] = *job.RadiusKm
	}
	if job.MinPrice != nil {
		params["min_price"] = *job.MinPrice
	}
	if job.MaxPrice != nil {
		params["max_price"] = *job.MaxPrice
	}
	return params
}
