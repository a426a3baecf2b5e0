package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/medportal/internal/platform/db"
)

type storePG struct{ db db.Conn }

// NewPGStore returns a Store backed by the auth_session table.
func NewPGStore(conn db.Conn) Store {
	return &storePG{db: conn}
}

func (r *storePG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.db
}

const sessionCols = `id, owner_id, refresh_token_hash, device, user_agent, ip, created_at, expires_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.OwnerID, &s.RefreshTokenHash, &s.Device, &s.UserAgent, &s.IP,
		&s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func insertSession(ctx context.Context, q db.Queryable, s *Session) error {
	_, err := q.Exec(ctx, `
		INSERT INTO auth_session (`+sessionCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.ID, s.OwnerID, s.RefreshTokenHash, s.Device, s.UserAgent, s.IP, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *storePG) Create(ctx context.Context, s *Session) error {
	return insertSession(ctx, r.conn(ctx), s)
}

func (r *storePG) FindByToken(ctx context.Context, tokenHash string) (*Session, error) {
	s, err := scanSession(r.conn(ctx).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM auth_session WHERE refresh_token_hash = $1`, tokenHash))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find session by token: %w", err)
	}
	return s, err
}

func (r *storePG) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	s, err := scanSession(r.conn(ctx).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM auth_session WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, err
}

func (r *storePG) ListByOwner(ctx context.Context, ownerID uuid.UUID, now time.Time) ([]*Session, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+sessionCols+` FROM auth_session
		WHERE owner_id = $1 AND expires_at > $2
		ORDER BY created_at DESC`, ownerID, now)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var items []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return items, nil
}

func (r *storePG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM auth_session WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *storePG) DeleteByToken(ctx context.Context, tokenHash string) (*Session, error) {
	s, err := scanSession(r.conn(ctx).QueryRow(ctx,
		`DELETE FROM auth_session WHERE refresh_token_hash = $1 RETURNING `+sessionCols, tokenHash))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("delete session by token: %w", err)
	}
	return s, err
}

// lockOwnerSQL serializes rotations against owner-wide revocation. Both
// take the account row lock before touching auth_session, so a rotation
// cannot insert a replacement behind a DeleteAllByOwner that already ran.
// NO KEY UPDATE leaves the foreign key checks of concurrent logins alone.
const lockOwnerSQL = `SELECT id FROM user_account WHERE id = $1 FOR NO KEY UPDATE`

func (r *storePG) DeleteAllByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	var n int64
	err := db.InTx(ctx, r.db, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockOwnerSQL, ownerID); err != nil {
			return fmt.Errorf("lock session owner: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM auth_session WHERE owner_id = $1`, ownerID)
		if err != nil {
			return fmt.Errorf("delete owner sessions: %w", err)
		}
		n = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *storePG) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM auth_session WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Rotate consumes the old row with DELETE ... RETURNING inside a
// transaction holding the owner lock. Concurrent callers block on the row
// lock and the losers find nothing to delete.
func (r *storePG) Rotate(ctx context.Context, oldTokenHash string, now time.Time, build BuildFunc) (*Session, error) {
	var old, next *Session
	var expired bool

	err := db.InTx(ctx, r.db, func(ctx context.Context, tx pgx.Tx) error {
		var owner uuid.UUID
		err := tx.QueryRow(ctx,
			`SELECT owner_id FROM auth_session WHERE refresh_token_hash = $1`, oldTokenHash).Scan(&owner)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("find session owner: %w", err)
		}
		if _, err := tx.Exec(ctx, lockOwnerSQL, owner); err != nil {
			return fmt.Errorf("lock session owner: %w", err)
		}

		old, err = scanSession(tx.QueryRow(ctx,
			`DELETE FROM auth_session WHERE refresh_token_hash = $1 RETURNING `+sessionCols, oldTokenHash))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("consume session: %w", err)
		}
		if !old.ActiveAt(now) {
			expired = true
			return nil
		}

		next, err = build(old)
		if err != nil {
			return fmt.Errorf("rotate session: %w", err)
		}
		return insertSession(ctx, tx, next)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return old, ErrExpired
	}
	return next, nil
}
