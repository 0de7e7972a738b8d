package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/romu70/jearch/internal/metrics"
	"github.com/romu70/jearch/internal/model"
	"github.com/romu70/jearch/internal/repository"
	"github.com/romu70/jearch/internal/security"
	"github.com/romu70/jearch/internal/versionguard"
)

// ProfileInput はプロフィールの入力。FullName が nil または空白のみの場合は未設定に戻す。
type ProfileInput struct {
	FullName          *string `json:"fullName" validate:"omitempty,max=255"`
	PreferredLanguage string  `json:"preferredLanguage" validate:"required,oneof=fr"`
}

// ProfileService はユーザーごとに1件のプロフィールを扱う。
// 更新は経歴レコードと同じく版トークンの一致を条件とする。
type ProfileService struct {
	repo      repository.ProfileRepository
	sanitizer security.ContentSanitizer
	metrics   metrics.MetricsCollector
	validate  *validator.Validate
	now       func() time.Time
}

// NewProfileService はProfileServiceを生成する。
func NewProfileService(repo repository.ProfileRepository, sanitizer security.ContentSanitizer, mc metrics.MetricsCollector) *ProfileService {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &ProfileService{
		repo:      repo,
		sanitizer: sanitizer,
		metrics:   mc,
		validate:  newValidator(),
		now:       time.Now,
	}
}

// Get はプロフィールを返す。初回は既定値で作成する。
func (s *ProfileService) Get(ctx context.Context, userID string) (*model.Profile, error) {
	p, err := s.repo.FindOrCreate(ctx, userID, versionguard.Initial(s.now()))
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// Update は clientTimestamp と現在の版が一致する場合のみ入力値を適用する。
// 一致しない場合は書き込まずに競合判定を返す。
func (s *ProfileService) Update(ctx context.Context, userID string, clientTimestamp time.Time, in *ProfileInput) (*model.Profile, *model.ConflictDecision[*model.Profile], error) {
	if in == nil {
		return nil, nil, model.NewInvalidRequestError()
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, nil, validationError(err)
	}

	var decision *model.ConflictDecision[*model.Profile]
	mutation := func(p *model.Profile) error {
		p.FullName = s.fullName(in.FullName)
		p.PreferredLanguage = in.PreferredLanguage
		return nil
	}

	p, err := s.repo.UpdateLocked(ctx, userID, func(current *model.Profile) (bool, error) {
		d, err := versionguard.CheckAndApply(current, clientTimestamp, mutation, s.now())
		if err != nil {
			return false, err
		}
		decision = d
		return d == nil, nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, model.NewRecordNotFoundError(model.RecordKindProfile, userID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update profile: %w", err)
	}

	if decision != nil {
		s.metrics.RecordRecordConflict(string(model.RecordKindProfile))
		slog.Info("record update conflict",
			slog.String("kind", string(model.RecordKindProfile)),
			slog.String("user_id", userID),
			slog.Time("local_updated_at", decision.LocalTimestamp),
			slog.Time("server_updated_at", decision.ServerTimestamp),
		)
		return nil, decision, nil
	}
	return p, nil, nil
}

func (s *ProfileService) fullName(in *string) *string {
	if in == nil {
		return nil
	}
	name := strings.TrimSpace(s.sanitizer.PlainText(*in))
	if name == "" {
		return nil
	}
	return &name
}
