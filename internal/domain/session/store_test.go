package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestSession(owner uuid.UUID, created time.Time, ttl time.Duration) *Session {
	id := uuid.New()
	return &Session{
		ID:               id,
		OwnerID:          owner,
		RefreshTokenHash: "hash-" + id.String(),
		Device:           "laptop",
		UserAgent:        "Mozilla/5.0",
		IP:               "10.0.0.1",
		CreatedAt:        created,
		ExpiresAt:        created.Add(ttl),
	}
}

func mustCreate(t *testing.T, st Store, s *Session) {
	t.Helper()
	if err := st.Create(context.Background(), s); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func newMiniredisStore(t *testing.T) (Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "test:session:"), mr
}

// backends runs fn against every Store implementation that needs no real
// database.
func backends(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Run("memory", func(t *testing.T) {
		st := NewMemoryStore()
		t.Cleanup(st.Close)
		fn(t, st)
	})
	t.Run("redis", func(t *testing.T) {
		st, _ := newMiniredisStore(t)
		fn(t, st)
	})
}

func TestStore_CreateAndFind(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		s := newTestSession(uuid.New(), t0, time.Hour)
		mustCreate(t, st, s)

		got, err := st.FindByToken(ctx, s.RefreshTokenHash)
		if err != nil {
			t.Fatalf("FindByToken: %v", err)
		}
		if got.ID != s.ID || got.OwnerID != s.OwnerID || got.Device != s.Device || got.IP != s.IP {
			t.Errorf("got %+v, want %+v", got, s)
		}
		if !got.ExpiresAt.Equal(s.ExpiresAt) || !got.CreatedAt.Equal(s.CreatedAt) {
			t.Errorf("window changed: %v..%v", got.CreatedAt, got.ExpiresAt)
		}

		byID, err := st.GetByID(ctx, s.ID)
		if err != nil || byID.RefreshTokenHash != s.RefreshTokenHash {
			t.Fatalf("GetByID: %v %+v", err, byID)
		}

		if _, err := st.FindByToken(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
			t.Errorf("FindByToken unknown: want ErrNotFound, got %v", err)
		}
		if _, err := st.GetByID(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetByID unknown: want ErrNotFound, got %v", err)
		}
	})
}

func TestStore_CreateRejectsEmptyWindow(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		s := newTestSession(uuid.New(), t0, 0)
		if err := st.Create(context.Background(), s); err == nil {
			t.Fatal("expected error for expires_at == created_at")
		}
	})
}

func TestStore_ListByOwner(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		alice, bob := uuid.New(), uuid.New()

		older := newTestSession(alice, t0, time.Hour)
		newer := newTestSession(alice, t0.Add(10*time.Minute), time.Hour)
		stale := newTestSession(alice, t0.Add(-2*time.Hour), time.Hour)
		other := newTestSession(bob, t0, time.Hour)
		for _, s := range []*Session{older, newer, stale, other} {
			mustCreate(t, st, s)
		}

		items, err := st.ListByOwner(ctx, alice, t0.Add(15*time.Minute))
		if err != nil {
			t.Fatalf("ListByOwner: %v", err)
		}
		if len(items) != 2 {
			t.Fatalf("expected 2 active sessions, got %d", len(items))
		}
		if items[0].ID != newer.ID || items[1].ID != older.ID {
			t.Errorf("expected newest first, got %s, %s", items[0].ID, items[1].ID)
		}
		for _, s := range items {
			if s.OwnerID != alice {
				t.Errorf("session %s of another owner listed", s.ID)
			}
		}

		none, err := st.ListByOwner(ctx, uuid.New(), t0)
		if err != nil || len(none) != 0 {
			t.Errorf("unknown owner: %v %v", none, err)
		}
	})
}

func TestStore_Delete(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		s := newTestSession(uuid.New(), t0, time.Hour)
		mustCreate(t, st, s)

		if err := st.Delete(ctx, s.ID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := st.Delete(ctx, s.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("second Delete: want ErrNotFound, got %v", err)
		}
		if _, err := st.FindByToken(ctx, s.RefreshTokenHash); !errors.Is(err, ErrNotFound) {
			t.Errorf("token still resolves after Delete: %v", err)
		}
		items, _ := st.ListByOwner(ctx, s.OwnerID, t0)
		if len(items) != 0 {
			t.Errorf("deleted session still listed")
		}
	})
}

func TestStore_DeleteByToken(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		s := newTestSession(uuid.New(), t0, time.Hour)
		mustCreate(t, st, s)

		got, err := st.DeleteByToken(ctx, s.RefreshTokenHash)
		if err != nil {
			t.Fatalf("DeleteByToken: %v", err)
		}
		if got.ID != s.ID {
			t.Errorf("returned %s, want %s", got.ID, s.ID)
		}
		if _, err := st.DeleteByToken(ctx, s.RefreshTokenHash); !errors.Is(err, ErrNotFound) {
			t.Errorf("second DeleteByToken: want ErrNotFound, got %v", err)
		}
		if _, err := st.GetByID(ctx, s.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("session still stored: %v", err)
		}
	})
}

func TestStore_DeleteAllByOwner(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		alice, bob := uuid.New(), uuid.New()
		for i := 0; i < 3; i++ {
			mustCreate(t, st, newTestSession(alice, t0.Add(time.Duration(i)*time.Minute), time.Hour))
		}
		keep := newTestSession(bob, t0, time.Hour)
		mustCreate(t, st, keep)

		n, err := st.DeleteAllByOwner(ctx, alice)
		if err != nil {
			t.Fatalf("DeleteAllByOwner: %v", err)
		}
		if n != 3 {
			t.Errorf("removed %d, want 3", n)
		}
		if items, _ := st.ListByOwner(ctx, alice, t0); len(items) != 0 {
			t.Errorf("alice still has %d sessions", len(items))
		}
		if _, err := st.FindByToken(ctx, keep.RefreshTokenHash); err != nil {
			t.Errorf("bob's session was touched: %v", err)
		}

		n, err = st.DeleteAllByOwner(ctx, alice)
		if err != nil || n != 0 {
			t.Errorf("repeat DeleteAllByOwner: %d %v", n, err)
		}
	})
}

func TestStore_PurgeExpired(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		owner := uuid.New()
		expired := newTestSession(owner, t0, time.Minute)
		boundary := newTestSession(owner, t0, 5*time.Minute)
		live := newTestSession(owner, t0, time.Hour)
		for _, s := range []*Session{expired, boundary, live} {
			mustCreate(t, st, s)
		}

		// A session is expired once now reaches expires_at.
		n, err := st.PurgeExpired(ctx, t0.Add(5*time.Minute))
		if err != nil {
			t.Fatalf("PurgeExpired: %v", err)
		}
		if n != 2 {
			t.Errorf("purged %d, want 2", n)
		}
		if _, err := st.FindByToken(ctx, live.RefreshTokenHash); err != nil {
			t.Errorf("live session purged: %v", err)
		}
		if _, err := st.FindByToken(ctx, boundary.RefreshTokenHash); !errors.Is(err, ErrNotFound) {
			t.Errorf("boundary session survived: %v", err)
		}
	})
}

func rotateTo(owner uuid.UUID, now time.Time) BuildFunc {
	return func(old *Session) (*Session, error) {
		next := newTestSession(owner, now, time.Hour)
		next.Device = old.Device
		return next, nil
	}
}

func TestStore_Rotate(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		owner := uuid.New()
		old := newTestSession(owner, t0, time.Hour)
		mustCreate(t, st, old)

		now := t0.Add(30 * time.Minute)
		next, err := st.Rotate(ctx, old.RefreshTokenHash, now, rotateTo(owner, now))
		if err != nil {
			t.Fatalf("Rotate: %v", err)
		}
		if next.ID == old.ID || next.RefreshTokenHash == old.RefreshTokenHash {
			t.Fatal("rotation must produce a new session")
		}
		if _, err := st.FindByToken(ctx, old.RefreshTokenHash); !errors.Is(err, ErrNotFound) {
			t.Errorf("old token still resolves: %v", err)
		}
		if got, err := st.FindByToken(ctx, next.RefreshTokenHash); err != nil || got.ID != next.ID {
			t.Errorf("new token does not resolve: %v", err)
		}

		// Replaying the consumed token.
		if _, err := st.Rotate(ctx, old.RefreshTokenHash, now, rotateTo(owner, now)); !errors.Is(err, ErrNotFound) {
			t.Errorf("replay: want ErrNotFound, got %v", err)
		}
	})
}

func TestStore_RotateExpired(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		old := newTestSession(uuid.New(), t0, time.Hour)
		mustCreate(t, st, old)

		built := false
		got, err := st.Rotate(ctx, old.RefreshTokenHash, old.ExpiresAt, func(*Session) (*Session, error) {
			built = true
			return nil, errors.New("must not be called")
		})
		if !errors.Is(err, ErrExpired) {
			t.Fatalf("want ErrExpired, got %v", err)
		}
		if built {
			t.Error("build called for an expired session")
		}
		if got == nil || got.ID != old.ID {
			t.Errorf("expected the expired session back, got %+v", got)
		}
		if _, err := st.GetByID(ctx, old.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expired session must stay deleted: %v", err)
		}
	})
}

func TestStore_RotateBuildFailureKeepsOld(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		old := newTestSession(uuid.New(), t0, time.Hour)
		mustCreate(t, st, old)

		boom := errors.New("entropy exhausted")
		_, err := st.Rotate(ctx, old.RefreshTokenHash, t0.Add(time.Minute), func(*Session) (*Session, error) {
			return nil, boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("want build error, got %v", err)
		}
		if _, err := st.FindByToken(ctx, old.RefreshTokenHash); err != nil {
			t.Errorf("old session lost after failed rotation: %v", err)
		}
	})
}

func TestStore_ConcurrentRotateSingleWinner(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		owner := uuid.New()
		old := newTestSession(owner, t0, time.Hour)
		mustCreate(t, st, old)

		const callers = 16
		now := t0.Add(time.Minute)
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			wins     int
			notFound int
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := st.Rotate(ctx, old.RefreshTokenHash, now, rotateTo(owner, now))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ErrNotFound):
					notFound++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if wins != 1 || notFound != callers-1 {
			t.Errorf("wins=%d notFound=%d, want 1 and %d", wins, notFound, callers-1)
		}
		items, err := st.ListByOwner(ctx, owner, now)
		if err != nil {
			t.Fatal(err)
		}
		if len(items) != 1 {
			t.Errorf("expected exactly one live session, got %d", len(items))
		}
	})
}

func TestStore_RotateRacesLogout(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		for i := 0; i < 20; i++ {
			ctx := context.Background()
			owner := uuid.New()
			old := newTestSession(owner, t0, time.Hour)
			mustCreate(t, st, old)
			now := t0.Add(time.Minute)

			var rotErr, delErr error
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, rotErr = st.Rotate(ctx, old.RefreshTokenHash, now, rotateTo(owner, now))
			}()
			go func() {
				defer wg.Done()
				_, delErr = st.DeleteByToken(ctx, old.RefreshTokenHash)
			}()
			wg.Wait()

			// Exactly one of them consumed the session.
			if (rotErr == nil) == (delErr == nil) {
				t.Fatalf("round %d: rotate=%v delete=%v", i, rotErr, delErr)
			}
		}
	})
}

func TestStore_RotateLosesToLogoutDuringBuild(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		owner := uuid.New()
		old := newTestSession(owner, t0, time.Hour)
		mustCreate(t, st, old)
		now := t0.Add(time.Minute)

		var next *Session
		_, err := st.Rotate(ctx, old.RefreshTokenHash, now, func(o *Session) (*Session, error) {
			if _, err := st.DeleteByToken(ctx, old.RefreshTokenHash); err != nil {
				t.Errorf("logout during rotation: %v", err)
			}
			next, _ = rotateTo(owner, now)(o)
			return next, nil
		})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
		if _, err := st.FindByToken(ctx, old.RefreshTokenHash); !errors.Is(err, ErrNotFound) {
			t.Errorf("logged out token resolves again: %v", err)
		}
		if _, err := st.FindByToken(ctx, next.RefreshTokenHash); !errors.Is(err, ErrNotFound) {
			t.Errorf("replacement stored after logout: %v", err)
		}
	})
}

func TestStore_FailedRotationAfterLogoutStaysRevoked(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		old := newTestSession(uuid.New(), t0, time.Hour)
		mustCreate(t, st, old)

		_, err := st.Rotate(ctx, old.RefreshTokenHash, t0.Add(time.Minute), func(*Session) (*Session, error) {
			if _, err := st.DeleteByToken(ctx, old.RefreshTokenHash); err != nil {
				t.Errorf("logout during rotation: %v", err)
			}
			return nil, errors.New("build failed")
		})
		if err == nil {
			t.Fatal("expected error")
		}
		if _, err := st.FindByToken(ctx, old.RefreshTokenHash); !errors.Is(err, ErrNotFound) {
			t.Errorf("logged out token resolves again: %v", err)
		}
		if _, err := st.DeleteByToken(ctx, old.RefreshTokenHash); !errors.Is(err, ErrNotFound) {
			t.Errorf("second logout found a session: %v", err)
		}
	})
}

func TestStore_RotateLosesToDeleteAllByOwner(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		owner := uuid.New()
		old := newTestSession(owner, t0, time.Hour)
		mustCreate(t, st, old)
		now := t0.Add(time.Minute)

		var removed int64
		_, err := st.Rotate(ctx, old.RefreshTokenHash, now, func(o *Session) (*Session, error) {
			var err error
			if removed, err = st.DeleteAllByOwner(ctx, owner); err != nil {
				t.Errorf("logout-all during rotation: %v", err)
			}
			return rotateTo(owner, now)(o)
		})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
		if removed != 1 {
			t.Errorf("logout-all removed %d, want 1", removed)
		}
		items, err := st.ListByOwner(ctx, owner, now)
		if err != nil {
			t.Fatal(err)
		}
		if len(items) != 0 {
			t.Errorf("%d sessions survived logout-all", len(items))
		}
	})
}

func TestStore_RotateRacesDeleteAllByOwner(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		for i := 0; i < 20; i++ {
			ctx := context.Background()
			owner := uuid.New()
			old := newTestSession(owner, t0, time.Hour)
			mustCreate(t, st, old)
			now := t0.Add(time.Minute)

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, _ = st.Rotate(ctx, old.RefreshTokenHash, now, rotateTo(owner, now))
			}()
			go func() {
				defer wg.Done()
				_, _ = st.DeleteAllByOwner(ctx, owner)
			}()
			wg.Wait()

			// Either order ends with no session: logout-all removes the
			// replacement, or the rotation finds its session gone.
			items, err := st.ListByOwner(ctx, owner, now)
			if err != nil {
				t.Fatal(err)
			}
			if len(items) != 0 {
				t.Fatalf("round %d: %d sessions survived logout-all", i, len(items))
			}
		}
	})
}

func ExampleMemoryStore_Len() {
	st := NewMemoryStore()
	defer st.Close()
	_ = st.Create(context.Background(), newTestSession(uuid.New(), t0, time.Hour))
	fmt.Println(st.Len())
	// Output: 1
}
