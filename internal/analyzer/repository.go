package analyzer

import (
	"context"

	"adwatch/internal/store"
)

// StoreRepository adapts the persistence layer to the analyzer's
// Repository capability.
type StoreRepository struct {
	st *store.Store
}

func NewStoreRepository(st *store.Store) *StoreRepository {
	return &StoreRepository{st: st}
}

func (r *StoreRepository) InTx(ctx context.Context, fn func(Repository) error) error {
	return r.st.WithTx(ctx, func(tx *store.Store) error {
		return fn(&StoreRepository{st: tx})
	})
}

func (r *StoreRepository) GetListing(ctx context.Context, id int64) (store.Listing, error) {
	return r.st.GetListing(ctx, id)
}

func (r *StoreRepository) MarkSuspicion(ctx context.Context, id int64, reason string, confidence *float64, meta map[string]any) error {
	return r.st.MarkSuspicion(ctx, id, reason, confidence, meta)
}

func (r *StoreRepository) ClearSuspicion(ctx context.Context, id int64) error {
	return r.st.ClearSuspicion(ctx, id)
}

func (r *StoreRepository) DeleteFingerprintsForListing(ctx context.Context, id int64) error {
	return r.st.DeleteFingerprintsForListing(ctx, id)
}

func (r *StoreRepository) AddFingerprint(ctx context.Context, fp store.ImageFingerprint) (store.ImageFingerprint, error) {
	return r.st.AddFingerprint(ctx, fp)
}

func (r *StoreRepository) ListAllFingerprints(ctx context.Context, excludeListing *int64) ([]store.ImageFingerprint, error) {
	return r.st.ListAllFingerprints(ctx, excludeListing)
}
