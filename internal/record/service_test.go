package record

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/romu70/jearch/internal/model"
	"github.com/romu70/jearch/internal/repository"
	"github.com/romu70/jearch/internal/security"
)

// --- モック定義 ---

// memRecordRepo はRecordRepositoryのインメモリ実装。
// UpdateLocked はミューテックスで直列化し、行ロック付きトランザクションと同じ振る舞いをする。
type memRecordRepo[T model.EditableRecord] struct {
	mu      sync.Mutex
	records map[string]T
	clone   func(T) T
	writes  int

	updateErr error
}

func newMemRecordRepo[T model.EditableRecord](clone func(T) T) *memRecordRepo[T] {
	return &memRecordRepo[T]{records: make(map[string]T), clone: clone}
}

func (m *memRecordRepo[T]) Create(ctx context.Context, rec T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Meta().ID] = m.clone(rec)
	return nil
}

func (m *memRecordRepo[T]) FindByID(ctx context.Context, userID, id string) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.Meta().UserID != userID {
		var zero T
		return zero, repository.ErrNotFound
	}
	return m.clone(rec), nil
}

func (m *memRecordRepo[T]) ListByUser(ctx context.Context, userID string) ([]T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []T
	for _, rec := range m.records {
		if rec.Meta().UserID == userID {
			out = append(out, m.clone(rec))
		}
	}
	return out, nil
}

func (m *memRecordRepo[T]) Delete(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.Meta().UserID != userID {
		return repository.ErrNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *memRecordRepo[T]) UpdateLocked(ctx context.Context, userID, id string, fn func(current T) (bool, error)) (T, error) {
	var zero T
	if m.updateErr != nil {
		return zero, m.updateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.Meta().UserID != userID {
		return zero, repository.ErrNotFound
	}
	current := m.clone(rec)
	write, err := fn(current)
	if err != nil {
		return zero, err
	}
	if write {
		m.records[id] = m.clone(current)
		m.writes++
	}
	return current, nil
}

func cloneExperience(r *model.ProfessionalExperience) *model.ProfessionalExperience {
	cp := *r
	return &cp
}

func cloneEducation(r *model.Education) *model.Education {
	cp := *r
	return &cp
}

// mockMetrics はMetricsCollectorのテスト用モック。
type mockMetrics struct {
	mu        sync.Mutex
	conflicts map[string]int
}

func (m *mockMetrics) RecordMailSent(string) {}
func (m *mockMetrics) RecordMailRetry(string) {}
func (m *mockMetrics) RecordMailFailed(string) {}
func (m *mockMetrics) RecordMailSendLatency(time.Duration) {}
func (m *mockMetrics) RecordLoginAttempt(bool) {}
func (m *mockMetrics) RecordLoginLocked() {}
func (m *mockMetrics) RecordRecordConflict(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts == nil {
		m.conflicts = make(map[string]int)
	}
	m.conflicts[kind]++
}

var _ repository.RecordRepository[*model.ProfessionalExperience] = (*memRecordRepo[*model.ProfessionalExperience])(nil)

// --- ヘルパー ---

var baseTime = time.Date(2026, 6, 1, 8, 30, 0, 987654321, time.UTC)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newExperienceService(t *testing.T) (*Service[*model.ProfessionalExperience, ProfessionalExperienceInput], *memRecordRepo[*model.ProfessionalExperience], *mockMetrics) {
	t.Helper()
	repo := newMemRecordRepo(cloneExperience)
	mc := &mockMetrics{}
	svc := NewService(repo, ProfessionalExperience, security.NewContentSanitizer(), mc)
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

func validExperience() *ProfessionalExperienceInput {
	return &ProfessionalExperienceInput{
		Company:   "Acme",
		Role:      "Engineer",
		StartDate: date(2020, 1, 1),
		StarInput: StarInput{Situation: "Legacy system", Task: "Migrate"},
	}
}

// --- テスト ---

func TestCreate_InitialisesMetaAndVersion(t *testing.T) {
	svc, repo, _ := newExperienceService(t)

	rec, err := svc.Create(context.Background(), "user-1", validExperience())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := uuid.Parse(rec.ID); err != nil {
		t.Errorf("ID should be a UUID: %q", rec.ID)
	}
	if rec.UserID != "user-1" {
		t.Errorf("UserID = %q", rec.UserID)
	}
	if rec.UpdatedAt.IsZero() || !rec.UpdatedAt.Equal(rec.CreatedAt) {
		t.Errorf("UpdatedAt = %v, CreatedAt = %v", rec.UpdatedAt, rec.CreatedAt)
	}
	if rec.UpdatedAt.Nanosecond()%1000 != 0 {
		t.Errorf("version token must be truncated to microseconds: %v", rec.UpdatedAt)
	}
	if len(repo.records) != 1 {
		t.Errorf("records = %d, want 1", len(repo.records))
	}
	if rec.CompletionPercentage() != 50 {
		t.Errorf("CompletionPercentage = %d, want 50", rec.CompletionPercentage())
	}
}

func TestCreate_StripsMarkupFromStarFields(t *testing.T) {
	svc, _, _ := newExperienceService(t)

	in := validExperience()
	in.Situation = `<b>R&amp;D</b> team<script>alert(1)</script>`
	rec, err := svc.Create(context.Background(), "user-1", in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Situation != "R&D team" {
		t.Errorf("Situation = %q, want %q", rec.Situation, "R&D team")
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _ := newExperienceService(t)
	end := date(2019, 12, 31)
	later := date(2021, 1, 1)

	tests := []struct {
		name   string
		mutate func(in *ProfessionalExperienceInput)
		want   string
	}{
		{"会社名なし", func(in *ProfessionalExperienceInput) { in.Company = "" }, "company is required"},
		{"役職が長すぎる", func(in *ProfessionalExperienceInput) { in.Role = strings.Repeat("x", 256) }, "role must be at most 255"},
		{"開始日なし", func(in *ProfessionalExperienceInput) { in.StartDate = time.Time{} }, "startDate is required"},
		{"STARが長すぎる", func(in *ProfessionalExperienceInput) { in.Result = strings.Repeat("x", 10001) }, "result must be at most 10000"},
		{"終了日が開始日より前", func(in *ProfessionalExperienceInput) { in.EndDate = &end }, "endDate must not be before startDate"},
		{"現職なのに終了日あり", func(in *ProfessionalExperienceInput) { in.IsCurrent = true; in.EndDate = &later }, "isCurrent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validExperience()
			tt.mutate(in)
			_, err := svc.Create(context.Background(), "user-1", in)
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeValidationFailed {
				t.Fatalf("expected VALIDATION_FAILED, got %v", err)
			}
			if !strings.Contains(apiErr.Message, tt.want) {
				t.Errorf("message %q should contain %q", apiErr.Message, tt.want)
			}
		})
	}
}

func TestCreate_MaxLengthCountsCharacters(t *testing.T) {
	svc, _, _ := newExperienceService(t)

	in := validExperience()
	in.Company = strings.Repeat("あ", 255)
	if _, err := svc.Create(context.Background(), "user-1", in); err != nil {
		t.Errorf("255 multibyte characters should be accepted: %v", err)
	}
}

func TestUpdate_MatchingVersionApplies(t *testing.T) {
	svc, repo, _ := newExperienceService(t)
	created, err := svc.Create(context.Background(), "user-1", validExperience())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	in := validExperience()
	in.Role = "Senior Engineer"
	updated, decision, err := svc.Update(context.Background(), "user-1", created.ID, created.UpdatedAt, in)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if decision != nil {
		t.Fatalf("unexpected conflict: %+v", decision)
	}
	if updated.Role != "Senior Engineer" {
		t.Errorf("Role = %q", updated.Role)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Errorf("UpdatedAt must increase: %v -> %v", created.UpdatedAt, updated.UpdatedAt)
	}
	if repo.writes != 1 {
		t.Errorf("writes = %d, want 1", repo.writes)
	}
}

func TestUpdate_StaleOrNewerVersionConflicts(t *testing.T) {
	svc, repo, mc := newExperienceService(t)
	created, err := svc.Create(context.Background(), "user-1", validExperience())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for _, client := range []time.Time{
		created.UpdatedAt.Add(-time.Second),
		created.UpdatedAt.Add(time.Microsecond),
	} {
		in := validExperience()
		in.Role = "Should not be written"
		_, decision, err := svc.Update(context.Background(), "user-1", created.ID, client, in)
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if decision == nil || !decision.HasConflict {
			t.Fatalf("client %v: expected conflict", client)
		}
		if !decision.LocalTimestamp.Equal(client) || !decision.ServerTimestamp.Equal(created.UpdatedAt) {
			t.Errorf("decision timestamps = %v / %v", decision.LocalTimestamp, decision.ServerTimestamp)
		}
		if decision.ServerSnapshot.Role != "Engineer" {
			t.Errorf("snapshot should hold server state, got %q", decision.ServerSnapshot.Role)
		}
	}

	if repo.writes != 0 {
		t.Errorf("writes = %d, want 0", repo.writes)
	}
	if mc.conflicts[string(model.RecordKindProfessional)] != 2 {
		t.Errorf("conflict metric = %v", mc.conflicts)
	}
}

func TestUpdate_ConcurrentSameVersionOnlyOneWins(t *testing.T) {
	svc, repo, _ := newExperienceService(t)
	created, err := svc.Create(context.Background(), "user-1", validExperience())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts []*model.ConflictDecision[*model.ProfessionalExperience]
		winner    *model.ProfessionalExperience
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := validExperience()
			in.Role = "writer"
			rec, decision, err := svc.Update(context.Background(), "user-1", created.ID, created.UpdatedAt, in)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				t.Errorf("Update: %v", err)
				return
			}
			if decision != nil {
				conflicts = append(conflicts, decision)
				return
			}
			wins++
			winner = rec
		}(i)
	}
	wg.Wait()

	if wins != 1 || len(conflicts) != n-1 {
		t.Fatalf("wins = %d, conflicts = %d", wins, len(conflicts))
	}
	for _, c := range conflicts {
		if !c.ServerTimestamp.Equal(winner.UpdatedAt) {
			t.Errorf("loser should observe the winner's version: %v != %v", c.ServerTimestamp, winner.UpdatedAt)
		}
	}
	if repo.writes != 1 {
		t.Errorf("writes = %d, want 1", repo.writes)
	}
}

func TestUpdate_NotFoundAndForeignRecords(t *testing.T) {
	svc, _, _ := newExperienceService(t)
	created, err := svc.Create(context.Background(), "owner", validExperience())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tests := []struct {
		name   string
		userID string
		id     string
	}{
		{"他ユーザー", "intruder", created.ID},
		{"存在しないID", "owner", uuid.New().String()},
		{"不正なID", "owner", "not-a-uuid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.Update(context.Background(), tt.userID, tt.id, created.UpdatedAt, validExperience())
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeRecordNotFound {
				t.Errorf("expected RECORD_NOT_FOUND, got %v", err)
			}
		})
	}
}

func TestUpdate_InvalidInputIsRejectedBeforeLocking(t *testing.T) {
	svc, repo, _ := newExperienceService(t)
	repo.updateErr = errors.New("must not be called")

	in := validExperience()
	in.Company = ""
	_, _, err := svc.Update(context.Background(), "user-1", uuid.New().String(), baseTime, in)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeValidationFailed {
		t.Errorf("expected VALIDATION_FAILED, got %v", err)
	}
}

func TestUpdate_StorageErrorPropagates(t *testing.T) {
	svc, repo, _ := newExperienceService(t)
	repo.updateErr = errors.New("connection refused")

	_, _, err := svc.Update(context.Background(), "user-1", uuid.New().String(), baseTime, validExperience())
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("expected storage error, got %v", err)
	}
}

func TestGetListDelete(t *testing.T) {
	svc, _, _ := newExperienceService(t)
	created, err := svc.Create(context.Background(), "user-1", validExperience())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := svc.Get(context.Background(), "user-1", created.ID)
	if err != nil || got.ID != created.ID {
		t.Fatalf("Get = %v, %v", got, err)
	}

	list, err := svc.List(context.Background(), "user-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %v, %v", list, err)
	}
	if others, _ := svc.List(context.Background(), "user-2"); len(others) != 0 {
		t.Errorf("other users' records must not be listed: %v", others)
	}

	if err := svc.Delete(context.Background(), "user-2", created.ID); err == nil {
		t.Error("deleting another user's record must fail")
	}
	if err := svc.Delete(context.Background(), "user-1", created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, err = svc.Get(context.Background(), "user-1", created.ID)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeRecordNotFound {
		t.Errorf("expected RECORD_NOT_FOUND after delete, got %v", err)
	}
}

func TestEducation_InProgressWithEndDateRejected(t *testing.T) {
	repo := newMemRecordRepo(cloneEducation)
	svc := NewService(repo, Education, security.NewContentSanitizer(), nil)

	end := date(2024, 6, 30)
	_, err := svc.Create(context.Background(), "user-1", &EducationInput{
		Institution:  "University",
		DegreeType:   "BSc",
		StartDate:    date(2020, 9, 1),
		EndDate:      &end,
		IsInProgress: true,
	})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || !strings.Contains(apiErr.Message, "isInProgress") {
		t.Errorf("expected validation error mentioning isInProgress, got %v", err)
	}
}

func TestEducation_DegreeTypeLimit(t *testing.T) {
	repo := newMemRecordRepo(cloneEducation)
	svc := NewService(repo, Education, security.NewContentSanitizer(), nil)

	_, err := svc.Create(context.Background(), "user-1", &EducationInput{
		Institution: "University",
		DegreeType:  strings.Repeat("d", 101),
		StartDate:   date(2020, 9, 1),
	})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || !strings.Contains(apiErr.Message, "degreeType must be at most 100") {
		t.Errorf("expected degreeType limit error, got %v", err)
	}
}

func TestExtraProfessional_Create(t *testing.T) {
	repo := newMemRecordRepo(func(r *model.ExtraProfessionalExperience) *model.ExtraProfessionalExperience {
		cp := *r
		return &cp
	})
	svc := NewService(repo, ExtraProfessionalExperience, security.NewContentSanitizer(), nil)

	rec, err := svc.Create(context.Background(), "user-1", &ExtraProfessionalExperienceInput{
		ActivityName: " Mentoring ",
		StartDate:    time.Date(2022, 3, 15, 18, 0, 0, 0, time.FixedZone("JST", 9*3600)),
		IsOngoing:    true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ActivityName != "Mentoring" {
		t.Errorf("ActivityName = %q", rec.ActivityName)
	}
	if !rec.StartDate.Equal(date(2022, 3, 15)) {
		t.Errorf("StartDate = %v, want date only", rec.StartDate)
	}
	if svc.Kind() != model.RecordKindExtraProfessional {
		t.Errorf("Kind = %s", svc.Kind())
	}
}
