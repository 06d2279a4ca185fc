package postgres

import (
	"context"
	"database/sql"
	"time"

	"foodrescue/internal/apperr"
	"foodrescue/internal/ledger"
	"foodrescue/internal/listing"
	"foodrescue/internal/reward"

	"github.com/google/uuid"
)

// Within runs fn in one transaction. The listing row is locked by
// LockListing and donor rows by LockBalance, always in that order.
func (s *Store) Within(ctx context.Context, listingID uuid.UUID, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.Internal, err, "claim aborted")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return fn(&unitTx{store: s, tx: tx, listingID: listingID})
	})
}

type unitTx struct {
	store     *Store
	tx        *sql.Tx
	listingID uuid.UUID
}

func (t *unitTx) LockListing(ctx context.Context, id uuid.UUID) (*listing.Listing, error) {
	if id != t.listingID {
		return nil, apperr.New(apperr.Internal, "listing %s is outside this unit of work", id)
	}
	return lockListing(ctx, t.tx, id)
}

func (t *unitTx) SaveListing(ctx context.Context, l *listing.Listing, ev listing.Event) error {
	if l.ID != t.listingID {
		return apperr.New(apperr.Internal, "listing %s is outside this unit of work", l.ID)
	}
	return t.store.saveListing(ctx, t.tx, l, ev)
}

func (t *unitTx) PickupCodeTaken(ctx context.Context, code string) (bool, error) {
	var taken bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM claims WHERE pickup_code = $1)`, code).Scan(&taken)
	if err != nil {
		return false, storageErr(err, "check pickup code")
	}
	return taken, nil
}

// InsertClaim relies on the unique pickup_code index: a code taken by a
// concurrent unit surfaces as Conflict and rolls this unit back.
func (t *unitTx) InsertClaim(ctx context.Context, c *ledger.Claim) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO claims (`+claimColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.ListingID, c.ClaimantID, c.Quantity, c.PickupCode, c.FulfillmentStatus, c.CreatedAt)
	return storageErr(err, "insert claim")
}

func (t *unitTx) LockBalance(ctx context.Context, donorID uuid.UUID) (*reward.Balance, error) {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO donor_rewards (donor_id, cumulative_kg, points, tier, updated_at)
		VALUES ($1, 0, 0, $2, $3)
		ON CONFLICT (donor_id) DO NOTHING
	`, donorID, reward.TierNewcomer, time.Now().UTC())
	if err != nil {
		return nil, storageErr(err, "open balance of %s", donorID)
	}
	b, err := scanBalance(t.tx.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM donor_rewards WHERE donor_id = $1 FOR UPDATE`, donorID))
	if err != nil {
		return nil, storageErr(err, "lock balance of %s", donorID)
	}
	return b, nil
}

func (t *unitTx) SaveBalance(ctx context.Context, b *reward.Balance) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE donor_rewards
		SET cumulative_kg = $2, points = $3, tier = $4, updated_at = $5
		WHERE donor_id = $1
	`, b.DonorID, b.CumulativeKg, b.Points, b.Tier, b.UpdatedAt)
	return storageErr(err, "save balance of %s", b.DonorID)
}
