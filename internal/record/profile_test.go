package record

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/romu70/jearch/internal/model"
	"github.com/romu70/jearch/internal/repository"
	"github.com/romu70/jearch/internal/security"
)

// memProfileRepo はProfileRepositoryのインメモリ実装。
type memProfileRepo struct {
	mu       sync.Mutex
	profiles map[string]model.Profile
	creates  int
	writes   int
}

func (m *memProfileRepo) FindOrCreate(ctx context.Context, userID string, now time.Time) (*model.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profiles == nil {
		m.profiles = make(map[string]model.Profile)
	}
	p, ok := m.profiles[userID]
	if !ok {
		p = model.Profile{UserID: userID, PreferredLanguage: model.DefaultPreferredLanguage, CreatedAt: now, UpdatedAt: now}
		m.profiles[userID] = p
		m.creates++
	}
	return &p, nil
}

func (m *memProfileRepo) UpdateLocked(ctx context.Context, userID string, fn func(current *model.Profile) (bool, error)) (*model.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	write, err := fn(&p)
	if err != nil {
		return nil, err
	}
	if write {
		m.profiles[userID] = p
		m.writes++
	}
	return &p, nil
}

var _ repository.ProfileRepository = (*memProfileRepo)(nil)

func newProfileService(t *testing.T) (*ProfileService, *memProfileRepo, *mockMetrics) {
	t.Helper()
	repo := &memProfileRepo{}
	mc := &mockMetrics{}
	svc := NewProfileService(repo, security.NewContentSanitizer(), mc)
	var clockMu sync.Mutex
	now := baseTime
	svc.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		now = now.Add(time.Second)
		return now
	}
	return svc, repo, mc
}

func strPtr(s string) *string { return &s }

func TestProfile_GetCreatesDefaultsOnce(t *testing.T) {
	svc, repo, _ := newProfileService(t)

	first, err := svc.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first.PreferredLanguage != "fr" || first.FullName != nil {
		t.Errorf("defaults = %+v", first)
	}
	if first.UpdatedAt.Nanosecond()%1000 != 0 {
		t.Errorf("version token should be truncated to microseconds: %v", first.UpdatedAt)
	}

	second, err := svc.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !second.UpdatedAt.Equal(first.UpdatedAt) || repo.creates != 1 {
		t.Errorf("second Get should return the same profile (creates = %d)", repo.creates)
	}
}

func TestProfile_UpdateMatchingVersionApplies(t *testing.T) {
	svc, repo, _ := newProfileService(t)
	current, _ := svc.Get(context.Background(), "user-1")

	updated, decision, err := svc.Update(context.Background(), "user-1", current.UpdatedAt,
		&ProfileInput{FullName: strPtr("  <b>Jane</b> Doe "), PreferredLanguage: "fr"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if decision != nil {
		t.Fatalf("unexpected conflict: %+v", decision)
	}
	if updated.FullName == nil || *updated.FullName != "Jane Doe" {
		t.Errorf("FullName = %v, want sanitized %q", updated.FullName, "Jane Doe")
	}
	if !updated.UpdatedAt.After(current.UpdatedAt) {
		t.Errorf("version should strictly increase: %v -> %v", current.UpdatedAt, updated.UpdatedAt)
	}
	if repo.writes != 1 {
		t.Errorf("writes = %d, want 1", repo.writes)
	}
}

func TestProfile_UpdateBlankNameClears(t *testing.T) {
	svc, _, _ := newProfileService(t)
	current, _ := svc.Get(context.Background(), "user-1")
	named, _, _ := svc.Update(context.Background(), "user-1", current.UpdatedAt,
		&ProfileInput{FullName: strPtr("Jane"), PreferredLanguage: "fr"})

	cleared, _, err := svc.Update(context.Background(), "user-1", named.UpdatedAt,
		&ProfileInput{FullName: strPtr("   "), PreferredLanguage: "fr"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if cleared.FullName != nil {
		t.Errorf("FullName = %q, want nil", *cleared.FullName)
	}
}

func TestProfile_UpdateStaleVersionConflicts(t *testing.T) {
	svc, repo, mc := newProfileService(t)
	current, _ := svc.Get(context.Background(), "user-1")

	stale := current.UpdatedAt.Add(-time.Second)
	_, decision, err := svc.Update(context.Background(), "user-1", stale,
		&ProfileInput{FullName: strPtr("Overwrite"), PreferredLanguage: "fr"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if decision == nil || !decision.HasConflict {
		t.Fatal("expected conflict")
	}
	if !decision.ServerTimestamp.Equal(current.UpdatedAt) || decision.ServerSnapshot.FullName != nil {
		t.Errorf("decision = %+v", decision)
	}
	if repo.writes != 0 {
		t.Errorf("writes = %d, want 0", repo.writes)
	}
	if mc.conflicts[string(model.RecordKindProfile)] != 1 {
		t.Errorf("conflict metric = %v", mc.conflicts)
	}
}

func TestProfile_ConcurrentSameVersionOnlyOneWins(t *testing.T) {
	svc, repo, _ := newProfileService(t)
	current, _ := svc.Get(context.Background(), "user-1")

	const n = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, decision, err := svc.Update(context.Background(), "user-1", current.UpdatedAt,
				&ProfileInput{FullName: strPtr("writer"), PreferredLanguage: "fr"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				t.Errorf("Update: %v", err)
			case decision != nil:
				conflicts++
			default:
				wins++
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != n-1 || repo.writes != 1 {
		t.Errorf("wins = %d, conflicts = %d, writes = %d", wins, conflicts, repo.writes)
	}
}

func TestProfile_UpdateValidation(t *testing.T) {
	svc, repo, _ := newProfileService(t)
	current, _ := svc.Get(context.Background(), "user-1")

	long := make([]rune, 256)
	for i := range long {
		long[i] = 'é'
	}
	tests := []struct {
		name string
		in   *ProfileInput
	}{
		{"未対応の言語", &ProfileInput{PreferredLanguage: "en"}},
		{"言語なし", &ProfileInput{FullName: strPtr("Jane")}},
		{"長すぎる氏名", &ProfileInput{FullName: strPtr(string(long)), PreferredLanguage: "fr"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.Update(context.Background(), "user-1", current.UpdatedAt, tt.in)
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeValidationFailed {
				t.Fatalf("err = %v, want VALIDATION_FAILED", err)
			}
		})
	}
	if repo.writes != 0 {
		t.Errorf("writes = %d, want 0", repo.writes)
	}
}

func TestProfile_UpdateBeforeCreateIsNotFound(t *testing.T) {
	svc, _, _ := newProfileService(t)

	_, _, err := svc.Update(context.Background(), "user-1", baseTime, &ProfileInput{PreferredLanguage: "fr"})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeRecordNotFound {
		t.Fatalf("err = %v, want RECORD_NOT_FOUND", err)
	}
}
