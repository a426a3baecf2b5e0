package account

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ehr/medportal/internal/platform/auth"
)

// -- Mock Repository --

type mockRepo struct {
	mu    sync.Mutex
	users map[uuid.UUID]*User
}

func newMockRepo() *mockRepo {
	return &mockRepo{users: make(map[uuid.UUID]*User)}
}

func (m *mockRepo) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrDuplicateEmail
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *mockRepo) GetByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) List(_ context.Context, f Filter, limit, offset int) ([]*User, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*User
	for _, u := range m.users {
		if f.Role != nil && u.Role != *f.Role {
			continue
		}
		if f.Active != nil && u.Active != *f.Active {
			continue
		}
		cp := *u
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockRepo) Approve(_ context.Context, id, by uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Active, u.ApprovedAt, u.ApprovedBy, u.UpdatedAt = true, &at, &by, at
	return nil
}

func (m *mockRepo) SetActive(_ context.Context, id uuid.UUID, active bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Active, u.UpdatedAt = active, at
	return nil
}

func (m *mockRepo) UpdatePassword(_ context.Context, id uuid.UUID, hash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash, u.UpdatedAt = hash, at
	return nil
}

type revokeCall struct {
	owner uuid.UUID
	scope string
}

type fakeRevoker struct {
	calls []revokeCall
	err   error
}

func (f *fakeRevoker) RevokeAll(_ context.Context, owner uuid.UUID, scope string) (int64, error) {
	f.calls = append(f.calls, revokeCall{owner, scope})
	return 2, f.err
}

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestService() (*Service, *mockRepo, *fakeRevoker) {
	repo := newMockRepo()
	rev := &fakeRevoker{}
	svc := NewService(repo, auth.NewBcryptHasher(bcrypt.MinCost, 5*time.Second), rev)
	svc.now = func() time.Time { return testNow }
	return svc, repo, rev
}

func register(t *testing.T, svc *Service, email string, role auth.Role) *User {
	t.Helper()
	u, err := svc.Register(context.Background(), RegisterInput{
		Email: email, Password: "long enough secret", DisplayName: "Test", Role: role,
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", email, err)
	}
	return u
}

func TestService_Register(t *testing.T) {
	svc, repo, _ := newTestService()

	patient := register(t, svc, "  Ana@Clinic.Test ", auth.RolePatient)
	if !patient.Active {
		t.Error("patients can sign in right away")
	}
	if patient.Email != "ana@clinic.test" {
		t.Errorf("email not normalized: %q", patient.Email)
	}
	if patient.PasswordHash == "" || patient.PasswordHash == "long enough secret" {
		t.Error("password must be stored as a digest")
	}

	doctor := register(t, svc, "dr.bo@clinic.test", auth.RoleDoctor)
	if doctor.Active || !doctor.Pending() {
		t.Error("doctors start pending approval")
	}
	if len(repo.users) != 2 {
		t.Errorf("expected 2 users, got %d", len(repo.users))
	}
}

func TestService_Register_Rejections(t *testing.T) {
	svc, _, _ := newTestService()
	register(t, svc, "ana@clinic.test", auth.RolePatient)

	_, err := svc.Register(context.Background(), RegisterInput{Email: "ANA@clinic.test", Password: "another secret", Role: auth.RolePatient})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("want ErrDuplicateEmail, got %v", err)
	}
	_, err = svc.Register(context.Background(), RegisterInput{Email: "root@clinic.test", Password: "another secret", Role: auth.RoleAdmin})
	if !errors.Is(err, ErrRoleNotAllowed) {
		t.Errorf("want ErrRoleNotAllowed, got %v", err)
	}
}

func TestService_Provision(t *testing.T) {
	svc, _, _ := newTestService()
	u, err := svc.Provision(context.Background(), RegisterInput{Email: "root@clinic.test", Password: "bootstrap secret", Role: auth.RoleAdmin}, true)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if u.Role != auth.RoleAdmin || !u.Active {
		t.Errorf("unexpected user %+v", u)
	}
}

func TestService_ApproveAndLogin(t *testing.T) {
	svc, repo, _ := newTestService()
	doctor := register(t, svc, "dr.bo@clinic.test", auth.RoleDoctor)
	admin := uuid.New()

	verifier := auth.NewCredentialVerifier(NewIdentities(repo), auth.NewBcryptHasher(bcrypt.MinCost, 5*time.Second))
	if _, err := verifier.Verify(context.Background(), "dr.bo@clinic.test", "long enough secret"); !errors.Is(err, auth.ErrAccountNotActive) {
		t.Fatalf("pending doctor: want ErrAccountNotActive, got %v", err)
	}

	u, err := svc.Approve(context.Background(), doctor.ID, admin)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !u.Active || u.ApprovedBy == nil || *u.ApprovedBy != admin || !u.ApprovedAt.Equal(testNow) {
		t.Errorf("approval not recorded: %+v", u)
	}

	ident, err := verifier.Verify(context.Background(), "dr.bo@clinic.test", "long enough secret")
	if err != nil {
		t.Fatalf("approved doctor cannot sign in: %v", err)
	}
	if ident.Role != auth.RoleDoctor {
		t.Errorf("role = %s", ident.Role)
	}

	// Approving twice is harmless.
	if _, err := svc.Approve(context.Background(), doctor.ID, admin); err != nil {
		t.Errorf("second Approve: %v", err)
	}
	if _, err := svc.Approve(context.Background(), uuid.New(), admin); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: want ErrNotFound, got %v", err)
	}
}

func TestService_Deactivate(t *testing.T) {
	svc, _, rev := newTestService()
	patient := register(t, svc, "ana@clinic.test", auth.RolePatient)
	admin := uuid.New()

	u, err := svc.Deactivate(context.Background(), patient.ID, admin)
	if err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if u.Active {
		t.Error("account still active")
	}
	if len(rev.calls) != 1 || rev.calls[0].owner != patient.ID || rev.calls[0].scope != scopeDeactivated {
		t.Errorf("sessions not revoked: %+v", rev.calls)
	}

	if _, err := svc.Deactivate(context.Background(), admin, admin); !errors.Is(err, ErrSelfDeactivation) {
		t.Errorf("self deactivation: want ErrSelfDeactivation, got %v", err)
	}
	if _, err := svc.Deactivate(context.Background(), uuid.New(), admin); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: want ErrNotFound, got %v", err)
	}
}

func TestService_RevokeSessions(t *testing.T) {
	svc, _, rev := newTestService()
	patient := register(t, svc, "ana@clinic.test", auth.RolePatient)

	n, err := svc.RevokeSessions(context.Background(), patient.ID)
	if err != nil || n != 2 {
		t.Fatalf("RevokeSessions: %d %v", n, err)
	}
	if rev.calls[0].scope != scopeAdmin {
		t.Errorf("scope = %s", rev.calls[0].scope)
	}
	if _, err := svc.RevokeSessions(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: want ErrNotFound, got %v", err)
	}
}

func TestService_ChangePassword(t *testing.T) {
	svc, repo, rev := newTestService()
	patient := register(t, svc, "ana@clinic.test", auth.RolePatient)
	ctx := context.Background()

	if err := svc.ChangePassword(ctx, patient.ID, "wrong", "a brand new secret"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("wrong current password: want ErrInvalidCredentials, got %v", err)
	}
	if len(rev.calls) != 0 {
		t.Error("sessions revoked on a failed change")
	}

	if err := svc.ChangePassword(ctx, patient.ID, "long enough secret", "a brand new secret"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if len(rev.calls) != 1 || rev.calls[0].scope != scopePasswordChange {
		t.Errorf("sessions not revoked: %+v", rev.calls)
	}

	verifier := auth.NewCredentialVerifier(NewIdentities(repo), auth.NewBcryptHasher(bcrypt.MinCost, 5*time.Second))
	if _, err := verifier.Verify(ctx, "ana@clinic.test", "a brand new secret"); err != nil {
		t.Errorf("new password rejected: %v", err)
	}
	if _, err := verifier.Verify(ctx, "ana@clinic.test", "long enough secret"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Errorf("old password still accepted: %v", err)
	}
}

func TestService_ListPending(t *testing.T) {
	svc, repo, _ := newTestService()
	register(t, svc, "ana@clinic.test", auth.RolePatient)
	first := register(t, svc, "dr.a@clinic.test", auth.RoleDoctor)
	second := register(t, svc, "dr.b@clinic.test", auth.RoleDoctor)
	repo.users[second.ID].CreatedAt = testNow.Add(time.Minute)
	approved := register(t, svc, "dr.c@clinic.test", auth.RoleDoctor)
	if _, err := svc.Approve(context.Background(), approved.ID, uuid.New()); err != nil {
		t.Fatal(err)
	}

	users, total, err := svc.ListPending(context.Background(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(users) != 2 {
		t.Fatalf("expected 2 pending doctors, got %d/%d", len(users), total)
	}
	if users[0].ID != first.ID || users[1].ID != second.ID {
		t.Error("pending doctors should be listed oldest first")
	}
}

func TestIdentities_NotFound(t *testing.T) {
	ids := NewIdentities(newMockRepo())
	if _, err := ids.LookupByEmail(context.Background(), "nobody@clinic.test"); !errors.Is(err, auth.ErrIdentityNotFound) {
		t.Errorf("LookupByEmail: %v", err)
	}
	if _, err := ids.LookupByID(context.Background(), uuid.New()); !errors.Is(err, auth.ErrIdentityNotFound) {
		t.Errorf("LookupByID: %v", err)
	}
}
