// Package model はドメインモデルを定義する。
package model

import (
	"math"
	"strings"
	"time"
)

// RecordKind は編集可能レコードの種別を表す。
type RecordKind string

const (
	// RecordKindProfessional は職務経歴。
	RecordKindProfessional RecordKind = "professional_experience"
	// RecordKindExtraProfessional は職務外の活動経歴。
	RecordKindExtraProfessional RecordKind = "extra_professional_experience"
	// RecordKindEducation は学歴。
	RecordKindEducation RecordKind = "education"
	// RecordKindProfile はユーザーごとに1件のプロフィール。
	RecordKindProfile RecordKind = "profile"
)

// RecordMeta は全レコード種別に共通する識別子と版情報。
// UpdatedAt は楽観的排他制御の唯一の版トークンで、書き込みのたびに厳密に増加する。
type RecordMeta struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Version は現在の版トークンを返す。
func (m *RecordMeta) Version() time.Time {
	return m.UpdatedAt
}

// SetVersion は版トークンを更新する。
func (m *RecordMeta) SetVersion(t time.Time) {
	m.UpdatedAt = t
}

// Meta は共通メタデータへのポインタを返す。
func (m *RecordMeta) Meta() *RecordMeta {
	return m
}

// EditableRecord はVersionGuard経由でのみ更新されるレコードの共通インターフェース。
type EditableRecord interface {
	Meta() *RecordMeta
	Version() time.Time
	SetVersion(t time.Time)
	Kind() RecordKind
}

// StarFields は経歴レコードのSTAR（状況・課題・行動・結果）記述。
type StarFields struct {
	Situation string
	Task      string
	Action    string
	Result    string
}

// CompletionPercentage は記入済みSTAR項目の割合を0〜100で返す。
func (s StarFields) CompletionPercentage() int {
	filled := 0
	for _, f := range []string{s.Situation, s.Task, s.Action, s.Result} {
		if strings.TrimSpace(f) != "" {
			filled++
		}
	}
	return int(math.Round(float64(filled) / 4 * 100))
}

// ProfessionalExperience は職務経歴を表す。
type ProfessionalExperience struct {
	RecordMeta
	StarFields
	Company   string
	Role      string
	StartDate time.Time
	EndDate   *time.Time
	IsCurrent bool
}

// Kind はレコード種別を返す。
func (*ProfessionalExperience) Kind() RecordKind { return RecordKindProfessional }

// ExtraProfessionalExperience は職務外の活動（ボランティア、団体活動など）を表す。
type ExtraProfessionalExperience struct {
	RecordMeta
	StarFields
	ActivityName string
	Organization string
	StartDate    time.Time
	EndDate      *time.Time
	IsOngoing    bool
}

// Kind はレコード種別を返す。
func (*ExtraProfessionalExperience) Kind() RecordKind { return RecordKindExtraProfessional }

// Education は学歴を表す。
type Education struct {
	RecordMeta
	Institution        string
	DegreeType         string
	FieldOfStudy       string
	StartDate          time.Time
	EndDate            *time.Time
	IsInProgress       bool
	GPA                string
	Honors             string
	RelevantCoursework string
}

// Kind はレコード種別を返す。
func (*Education) Kind() RecordKind { return RecordKindEducation }

// ConflictDecision はVersionGuardの判定結果。永続化されず、リクエストごとに呼び出し元へ返す。
type ConflictDecision[T any] struct {
	HasConflict     bool
	LocalTimestamp  time.Time
	ServerTimestamp time.Time
	ServerSnapshot  T
}

// compile-time interface check
var (
	_ EditableRecord = (*ProfessionalExperience)(nil)
	_ EditableRecord = (*ExtraProfessionalExperience)(nil)
	_ EditableRecord = (*Education)(nil)
)
