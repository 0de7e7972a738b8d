package repository

import (
	"database/sql"

	"github.com/romu70/jearch/internal/model"
)

var starColumns = []string{"situation", "task", "action", "result"}

func starFields(s *model.StarFields) []any {
	return []any{&s.Situation, &s.Task, &s.Action, &s.Result}
}

// NewProfessionalExperienceRepo は職務経歴のリポジトリを生成する。
func NewProfessionalExperienceRepo(db *sql.DB) *PostgresRecordRepo[*model.ProfessionalExperience] {
	return newPostgresRecordRepo(db, recordSchema[*model.ProfessionalExperience]{
		table: "professional_experiences",
		columns: append([]string{
			"company", "role", "start_date", "end_date", "is_current",
		}, starColumns...),
		newRec: func() *model.ProfessionalExperience { return &model.ProfessionalExperience{} },
		fields: func(r *model.ProfessionalExperience) []any {
			return append([]any{
				&r.Company, &r.Role, &r.StartDate, &r.EndDate, &r.IsCurrent,
			}, starFields(&r.StarFields)...)
		},
	})
}

// NewExtraProfessionalExperienceRepo は職務外の活動経歴のリポジトリを生成する。
func NewExtraProfessionalExperienceRepo(db *sql.DB) *PostgresRecordRepo[*model.ExtraProfessionalExperience] {
	return newPostgresRecordRepo(db, recordSchema[*model.ExtraProfessionalExperience]{
		table: "extra_professional_experiences",
		columns: append([]string{
			"activity_name", "organization", "start_date", "end_date", "is_ongoing",
		}, starColumns...),
		newRec: func() *model.ExtraProfessionalExperience { return &model.ExtraProfessionalExperience{} },
		fields: func(r *model.ExtraProfessionalExperience) []any {
			return append([]any{
				&r.ActivityName, &r.Organization, &r.StartDate, &r.EndDate, &r.IsOngoing,
			}, starFields(&r.StarFields)...)
		},
	})
}

// NewEducationRepo は学歴のリポジトリを生成する。
func NewEducationRepo(db *sql.DB) *PostgresRecordRepo[*model.Education] {
	return newPostgresRecordRepo(db, recordSchema[*model.Education]{
		table: "educations",
		columns: []string{
			"institution", "degree_type", "field_of_study", "start_date", "end_date",
			"is_in_progress", "gpa", "honors", "relevant_coursework",
		},
		newRec: func() *model.Education { return &model.Education{} },
		fields: func(r *model.Education) []any {
			return []any{
				&r.Institution, &r.DegreeType, &r.FieldOfStudy, &r.StartDate, &r.EndDate,
				&r.IsInProgress, &r.GPA, &r.Honors, &r.RelevantCoursework,
			}
		},
	})
}

// compile-time interface check
var (
	_ RecordRepository[*model.ProfessionalExperience]      = (*PostgresRecordRepo[*model.ProfessionalExperience])(nil)
	_ RecordRepository[*model.ExtraProfessionalExperience] = (*PostgresRecordRepo[*model.ExtraProfessionalExperience])(nil)
	_ RecordRepository[*model.Education]                   = (*PostgresRecordRepo[*model.Education])(nil)
)
