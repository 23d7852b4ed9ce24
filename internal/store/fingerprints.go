package store

import (
	"context"
	"fmt"
)

const fingerprintColumns = `id, listing_id, image_url, hash_method, hash_hex, hash_bits,
	width, height, file_size, created_at`

// HashHex renders the authoritative 64-bit hash as 16 hex characters.
func HashHex(bits int64) string {
	return fmt.Sprintf("%016x", uint64(bits))
}

// DeleteFingerprintsForListing removes every fingerprint row of one
// listing. The analyzer calls this at the start of a rebuild, inside the
// rebuild transaction.
func (s *Store) DeleteFingerprintsForListing(ctx context.Context, listingID int64) error {
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM image_fingerprints WHERE listing_id = $1`, listingID); err != nil {
		return fmt.Errorf("delete fingerprints for %d: %w", listingID, err)
	}
	return nil
}

// AddFingerprint persists one fingerprint. hash_hex is derived from
// HashBits, never supplied by the caller.
func (s *Store) AddFingerprint(ctx context.Context, fp ImageFingerprint) (ImageFingerprint, error) {
	err := s.q.GetContext(ctx, &fp, `
		INSERT INTO image_fingerprints (
			listing_id, image_url, hash_method, hash_hex, hash_bits, width, height, file_size
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+fingerprintColumns,
		fp.ListingID, fp.ImageURL, fp.HashMethod, HashHex(fp.HashBits), fp.HashBits,
		fp.Width, fp.Height, fp.FileSize)
	if err != nil {
		return ImageFingerprint{}, fmt.Errorf("add fingerprint for %d: %w", fp.ListingID, err)
	}
	return fp, nil
}

// ListAllFingerprints returns every fingerprint, optionally excluding one
// listing's rows. The analyzer excludes the listing it is rebuilding.
func (s *Store) ListAllFingerprints(ctx context.Context, excludeListing *int64) ([]ImageFingerprint, error) {
	fps := []ImageFingerprint{}
	var err error
	if excludeListing != nil {
		err = s.q.SelectContext(ctx, &fps,
			`SELECT `+fingerprintColumns+` FROM image_fingerprints WHERE listing_id <> $1`,
			*excludeListing)
	} else {
		err = s.q.SelectContext(ctx, &fps,
			`SELECT `+fingerprintColumns+` FROM image_fingerprints`)
	}
	if err != nil {
		return nil, fmt.Errorf("list fingerprints: %w", err)
	}
	return fps, nil
}

// ListFingerprintsByListing returns one listing's fingerprints.
func (s *Store) ListFingerprintsByListing(ctx context.Context, listingID int64) ([]ImageFingerprint, error) {
	fps := []ImageFingerprint{}
	if err := s.q.SelectContext(ctx, &fps,
		`SELECT `+fingerprintColumns+` FROM image_fingerprints WHERE listing_id = $1`,
		listingID); err != nil {
		return nil, fmt.Errorf("list fingerprints for %d: %w", listingID, err)
	}
	return fps, nil
}
