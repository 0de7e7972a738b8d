// Package record は経歴・学歴レコードの作成、参照、更新、削除を提供する。
// 更新は必ずVersionGuardを経由し、クライアントが観測した版と一致する場合のみ書き込む。
package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/romu70/jearch/internal/metrics"
	"github.com/romu70/jearch/internal/model"
	"github.com/romu70/jearch/internal/repository"
	"github.com/romu70/jearch/internal/security"
	"github.com/romu70/jearch/internal/versionguard"
)

// Definition はレコード種別ごとの入力とレコードの対応付け。
type Definition[T model.EditableRecord, In any] struct {
	Kind model.RecordKind
	// New は空のレコードを返す。
	New func() T
	// Apply は入力値をレコードに書き写す。
	Apply func(rec T, in *In, sanitizer security.ContentSanitizer)
	// Check はタグで表せない項目間の検証を行う。
	Check func(in *In) error
}

// Service は1種類のレコードに対するサービス層。
type Service[T model.EditableRecord, In any] struct {
	repo      repository.RecordRepository[T]
	def       Definition[T, In]
	sanitizer security.ContentSanitizer
	metrics   metrics.MetricsCollector
	validate  *validator.Validate
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService[T model.EditableRecord, In any](
	repo repository.RecordRepository[T],
	def Definition[T, In],
	sanitizer security.ContentSanitizer,
	mc metrics.MetricsCollector,
) *Service[T, In] {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Service[T, In]{
		repo:      repo,
		def:       def,
		sanitizer: sanitizer,
		metrics:   mc,
		validate:  newValidator(),
		now:       time.Now,
	}
}

// Kind はレコード種別を返す。
func (s *Service[T, In]) Kind() model.RecordKind {
	return s.def.Kind
}

// Create はレコードを作成する。版トークンは作成時刻で初期化する。
func (s *Service[T, In]) Create(ctx context.Context, userID string, in *In) (T, error) {
	var zero T
	if err := s.check(in); err != nil {
		return zero, err
	}

	now := versionguard.Initial(s.now())
	rec := s.def.New()
	s.def.Apply(rec, in, s.sanitizer)
	meta := rec.Meta()
	meta.ID = uuid.New().String()
	meta.UserID = userID
	meta.CreatedAt = now
	rec.SetVersion(now)

	if err := s.repo.Create(ctx, rec); err != nil {
		return zero, fmt.Errorf("failed to create %s: %w", s.def.Kind, err)
	}

	slog.Info("record created",
		slog.String("kind", string(s.def.Kind)),
		slog.String("record_id", meta.ID),
		slog.String("user_id", userID),
	)
	return rec, nil
}

// Get はユーザーのレコードを1件取得する。
func (s *Service[T, In]) Get(ctx context.Context, userID, id string) (T, error) {
	var zero T
	if _, err := uuid.Parse(id); err != nil {
		return zero, model.NewRecordNotFoundError(s.def.Kind, id)
	}
	rec, err := s.repo.FindByID(ctx, userID, id)
	if err != nil {
		return zero, s.mapRepoError(err, id)
	}
	return rec, nil
}

// List はユーザーのレコードを開始日の新しい順に返す。
func (s *Service[T, In]) List(ctx context.Context, userID string) ([]T, error) {
	recs, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.def.Kind, err)
	}
	return recs, nil
}

// Update はクライアントが観測した版 clientTimestamp と現在の版が一致する場合のみ入力値を適用する。
//
// 一致しない場合は書き込まずに競合判定を返す。競合はエラーではない。
// 読み取り、比較、書き込みは行ロック付きの1トランザクションで行うため、
// 同じ版からの同時更新は一方だけが成功し、他方は勝者の版を競合として受け取る。
func (s *Service[T, In]) Update(ctx context.Context, userID, id string, clientTimestamp time.Time, in *In) (T, *model.ConflictDecision[T], error) {
	var zero T
	if _, err := uuid.Parse(id); err != nil {
		return zero, nil, model.NewRecordNotFoundError(s.def.Kind, id)
	}
	if err := s.check(in); err != nil {
		return zero, nil, err
	}

	var decision *model.ConflictDecision[T]
	mutation := func(rec T) error {
		s.def.Apply(rec, in, s.sanitizer)
		return nil
	}

	rec, err := s.repo.UpdateLocked(ctx, userID, id, func(current T) (bool, error) {
		d, err := versionguard.CheckAndApply(current, clientTimestamp, mutation, s.now())
		if err != nil {
			return false, err
		}
		decision = d
		return d == nil, nil
	})
	if err != nil {
		return zero, nil, s.mapRepoError(err, id)
	}

	if decision != nil {
		s.metrics.RecordRecordConflict(string(s.def.Kind))
		slog.Info("record update conflict",
			slog.String("kind", string(s.def.Kind)),
			slog.String("record_id", id),
			slog.Time("local_updated_at", decision.LocalTimestamp),
			slog.Time("server_updated_at", decision.ServerTimestamp),
		)
		return zero, decision, nil
	}
	return rec, nil, nil
}

// Delete はユーザーのレコードを削除する。
func (s *Service[T, In]) Delete(ctx context.Context, userID, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return model.NewRecordNotFoundError(s.def.Kind, id)
	}
	if err := s.repo.Delete(ctx, userID, id); err != nil {
		return s.mapRepoError(err, id)
	}
	slog.Info("record deleted",
		slog.String("kind", string(s.def.Kind)),
		slog.String("record_id", id),
	)
	return nil
}

func (s *Service[T, In]) check(in *In) error {
	if in == nil {
		return model.NewInvalidRequestError()
	}
	if err := s.validate.Struct(in); err != nil {
		return validationError(err)
	}
	if s.def.Check != nil {
		return s.def.Check(in)
	}
	return nil
}

func (s *Service[T, In]) mapRepoError(err error, id string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return model.NewRecordNotFoundError(s.def.Kind, id)
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return fmt.Errorf("%s %s: %w", s.def.Kind, id, err)
}
