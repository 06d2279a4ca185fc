// Package postgres is the PostgreSQL storage backend. Listing rows carry a
// version that every write compares and bumps, and every write appends the
// matching entry to the listing's event stream in the same transaction.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"foodrescue/internal/apperr"
	"foodrescue/internal/eventstore"
	"foodrescue/internal/geo"
	"foodrescue/internal/ledger"
	"foodrescue/internal/listing"
	"foodrescue/internal/reward"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrations embed.FS

const aggregateListing = "listing"

// Store implements listing.Repository, ledger.Repository and
// reward.Repository on PostgreSQL.
type Store struct {
	db     *sql.DB
	journal *eventstore.Journal
	log    logrus.FieldLogger
}

var (
	_ listing.Repository = (*Store)(nil)
	_ ledger.Repository  = (*Store)(nil)
	_ reward.Repository  = (*Store)(nil)
)

// Open connects to databaseURL and configures the pool.
func Open(databaseURL string, log logrus.FieldLogger) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("Database connection established successfully")
	return New(db, log), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, log logrus.FieldLogger) *Store {
	return &Store{db: db, journal: eventstore.New(), log: log}
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	s.log.Info("Database migrations completed successfully")
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// storageErr classifies a driver error. Serialization failures, deadlocks
// and unique violations mean a concurrent writer won; everything else is
// Internal.
func storageErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, eventstore.ErrStaleVersion) {
		return apperr.Wrap(apperr.Conflict, err, format, args...)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "40001", "40P01":
			return apperr.Wrap(apperr.Conflict, err, format, args...)
		}
	}
	return apperr.Wrap(apperr.Internal, err, format, args...)
}

func notFound(id uuid.UUID) error {
	return apperr.New(apperr.NotFound, "Listing %s not found", id)
}

// withTx runs fn in a transaction and commits unless fn fails or ctx ends.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err, "begin transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return storageErr(err, "transaction failed")
	}
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.Internal, err, "aborted before commit")
	}
	if err := tx.Commit(); err != nil {
		return storageErr(err, "commit transaction")
	}
	return nil
}

const listingColumns = `id, owner_id, title, description, food_type, tags, image_url,
	initial_quantity_kg, remaining_quantity_kg, status, expires_at, latitude, longitude,
	version, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanListing(row scanner) (*listing.Listing, error) {
	var (
		l         listing.Listing
		expiresAt sql.NullTime
		lat, lng  sql.NullFloat64
	)
	err := row.Scan(
		&l.ID, &l.OwnerID, &l.Title, &l.Description, &l.FoodType, &l.Tags, &l.ImageURL,
		&l.InitialQuantity, &l.RemainingQuantity, &l.Status, &expiresAt, &lat, &lng,
		&l.Version, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		l.ExpiresAt = &t
	}
	if lat.Valid && lng.Valid {
		l.Location = &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	return &l, nil
}

func locationArgs(p *geo.Point) (sql.NullFloat64, sql.NullFloat64) {
	if p == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.Lat, Valid: true}, sql.NullFloat64{Float64: p.Lng, Valid: true}
}

func (s *Store) InsertListing(ctx context.Context, l *listing.Listing) error {
	l.Version = 1
	lat, lng := locationArgs(l.Location)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO listings (`+listingColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		`, l.ID, l.OwnerID, l.Title, l.Description, l.FoodType, l.Tags, l.ImageURL,
			l.InitialQuantity, l.RemainingQuantity, l.Status, l.ExpiresAt, lat, lng,
			l.Version, l.CreatedAt, l.UpdatedAt)
		if err != nil {
			return storageErr(err, "insert listing %s", l.ID)
		}
		return s.appendEvent(ctx, tx, listing.NewEvent(l, listing.EventPosted, l.CreatedAt), 0)
	})
}

func (s *Store) GetListing(ctx context.Context, id uuid.UUID) (*listing.Listing, error) {
	l, err := scanListing(s.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storageErr(err, "load listing %s", id)
	}
	return l, nil
}

// ListListings returns matching listings, newest first.
func (s *Store) ListListings(ctx context.Context, filter listing.Filter) ([]*listing.Listing, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.FoodType != "" {
		args = append(args, filter.FoodType)
		where = append(where, fmt.Sprintf("food_type = $%d", len(args)))
	}
	if filter.OwnerID != uuid.Nil {
		args = append(args, filter.OwnerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}

	query := `SELECT ` + listingColumns + ` FROM listings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err, "list listings")
	}
	defer rows.Close()

	out := []*listing.Listing{}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, storageErr(err, "scan listing")
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "iterate listings")
	}
	return out, nil
}

func (s *Store) UpdateListing(ctx context.Context, id uuid.UUID, typ listing.EventType, mutate func(*listing.Listing) error) (*listing.Listing, error) {
	var updated *listing.Listing
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lockListing(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := mutate(current); err != nil {
			return err
		}
		if err := s.saveListing(ctx, tx, current, listing.NewEvent(current, typ, current.UpdatedAt)); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) DeleteListing(ctx context.Context, id uuid.UUID, check func(*listing.Listing) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lockListing(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := check(current); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM listings WHERE id = $1`, id); err != nil {
			return storageErr(err, "delete listing %s", id)
		}
		base := current.Version
		current.Version++
		return s.appendEvent(ctx, tx, listing.NewEvent(current, listing.EventDeleted, time.Now().UTC()), base)
	})
}

// ExpireDue flips each due listing in its own transaction under a row lock,
// so a sweep never interleaves with a claim on the same listing.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) ([]*listing.Listing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM listings
		WHERE status IN ($1, $2) AND expires_at IS NOT NULL AND expires_at < $3
	`, listing.StatusAvailable, listing.StatusPartiallyClaimed, now)
	if err != nil {
		return nil, storageErr(err, "find due listings")
	}
	var due []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storageErr(err, "scan due listing")
		}
		due = append(due, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "iterate due listings")
	}

	var expired []*listing.Listing
	for _, id := range due {
		var flipped *listing.Listing
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			l, err := lockListing(ctx, tx, id)
			if errors.Is(err, apperr.NotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if !l.Status.Active() || !l.Expired(now) {
				return nil
			}
			l.Status = listing.StatusExpired
			l.UpdatedAt = now
			if err := s.saveListing(ctx, tx, l, listing.NewEvent(l, listing.EventExpired, now)); err != nil {
				return err
			}
			flipped = l
			return nil
		})
		if err != nil {
			return expired, err
		}
		if flipped != nil {
			expired = append(expired, flipped)
		}
	}
	return expired, nil
}

func (s *Store) ListingHistory(ctx context.Context, id uuid.UUID) ([]listing.Event, error) {
	stream, err := s.journal.Read(ctx, s.db, id, eventstore.Span{})
	if errors.Is(err, eventstore.ErrStreamNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storageErr(err, "load history of %s", id)
	}
	out := make([]listing.Event, 0, len(stream))
	for _, e := range stream {
		var ev listing.Event
		if err := e.Decode(&ev); err != nil {
			return nil, storageErr(err, "history of %s", id)
		}
		out = append(out, ev)
	}
	return out, nil
}

func lockListing(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*listing.Listing, error) {
	l, err := scanListing(tx.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storageErr(err, "lock listing %s", id)
	}
	return l, nil
}

// saveListing writes l if the stored version is still l.Version, bumps
// l.Version and journals ev under the new version.
func (s *Store) saveListing(ctx context.Context, tx *sql.Tx, l *listing.Listing, ev listing.Event) error {
	base := l.Version
	lat, lng := locationArgs(l.Location)
	res, err := tx.ExecContext(ctx, `
		UPDATE listings SET
			title = $3, description = $4, food_type = $5, tags = $6, image_url = $7,
			initial_quantity_kg = $8, remaining_quantity_kg = $9, status = $10,
			expires_at = $11, latitude = $12, longitude = $13,
			version = version + 1, updated_at = $14
		WHERE id = $1 AND version = $2
	`, l.ID, base, l.Title, l.Description, l.FoodType, l.Tags, l.ImageURL,
		l.InitialQuantity, l.RemainingQuantity, l.Status, l.ExpiresAt, lat, lng, l.UpdatedAt)
	if err != nil {
		return storageErr(err, "save listing %s", l.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(err, "save listing %s", l.ID)
	}
	if n == 0 {
		return apperr.New(apperr.Conflict, "listing %s changed concurrently, retry", l.ID)
	}

	l.Version = base + 1
	ev.Version = l.Version
	return s.appendEvent(ctx, tx, ev, base)
}

func (s *Store) appendEvent(ctx context.Context, tx *sql.Tx, ev listing.Event, expectedVersion int) error {
	rec, err := eventstore.Encode(string(ev.Type), ev.At, ev)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "journal listing %s", ev.ListingID)
	}
	_, err = s.journal.Append(ctx, tx, eventstore.Stream{Kind: aggregateListing, ID: ev.ListingID}, expectedVersion, rec)
	return storageErr(err, "journal listing %s", ev.ListingID)
}

const claimColumns = `id, listing_id, claimant_id, quantity_kg, pickup_code, fulfillment_status, created_at`

func (s *Store) queryClaims(ctx context.Context, query string, args ...any) ([]ledger.Claim, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err, "query claims")
	}
	defer rows.Close()

	var out []ledger.Claim
	for rows.Next() {
		var c ledger.Claim
		if err := rows.Scan(&c.ID, &c.ListingID, &c.ClaimantID, &c.Quantity, &c.PickupCode, &c.FulfillmentStatus, &c.CreatedAt); err != nil {
			return nil, storageErr(err, "scan claim")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "iterate claims")
	}
	return out, nil
}

func (s *Store) ClaimsFor(ctx context.Context, listingID uuid.UUID) ([]ledger.Claim, error) {
	return s.queryClaims(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE listing_id = $1 ORDER BY created_at, id`, listingID)
}

func (s *Store) ClaimsBy(ctx context.Context, claimantID uuid.UUID) ([]ledger.Claim, error) {
	return s.queryClaims(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE claimant_id = $1 ORDER BY created_at, id`, claimantID)
}

func (s *Store) TotalClaimedBy(ctx context.Context, donorID uuid.UUID) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(c.quantity_kg), 0)
		FROM claims c
		JOIN listings l ON l.id = c.listing_id
		WHERE l.owner_id = $1
	`, donorID).Scan(&total)
	if err != nil {
		return 0, storageErr(err, "sum claims for donor %s", donorID)
	}
	return total, nil
}

const balanceColumns = `donor_id, cumulative_kg, points, tier, updated_at`

func scanBalance(row scanner) (*reward.Balance, error) {
	var b reward.Balance
	if err := row.Scan(&b.DonorID, &b.CumulativeKg, &b.Points, &b.Tier, &b.UpdatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) GetBalance(ctx context.Context, donorID uuid.UUID) (*reward.Balance, error) {
	b, err := scanBalance(s.db.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM donor_rewards WHERE donor_id = $1`, donorID))
	if errors.Is(err, sql.ErrNoRows) {
		return reward.NewBalance(donorID), nil
	}
	if err != nil {
		return nil, storageErr(err, "load balance of %s", donorID)
	}
	return b, nil
}

func (s *Store) TopBalances(ctx context.Context, limit int) ([]*reward.Balance, error) {
	query := `SELECT ` + balanceColumns + ` FROM donor_rewards ORDER BY points DESC, donor_id ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err, "rank balances")
	}
	defer rows.Close()

	out := []*reward.Balance{}
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, storageErr(err, "scan balance")
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "iterate balances")
	}
	return out, nil
}
