package record

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/romu70/jearch/internal/model"
	"github.com/romu70/jearch/internal/security"
)

// StarInput はSTAR記述の入力。マークアップは保存前に取り除く。
type StarInput struct {
	Situation string `json:"situation" validate:"max=10000"`
	Task      string `json:"task" validate:"max=10000"`
	Action    string `json:"action" validate:"max=10000"`
	Result    string `json:"result" validate:"max=10000"`
}

func (in *StarInput) apply(dst *model.StarFields, sanitizer security.ContentSanitizer) {
	dst.Situation = sanitizer.PlainText(in.Situation)
	dst.Task = sanitizer.PlainText(in.Task)
	dst.Action = sanitizer.PlainText(in.Action)
	dst.Result = sanitizer.PlainText(in.Result)
}

// ProfessionalExperienceInput は職務経歴の入力。
type ProfessionalExperienceInput struct {
	StarInput
	Company   string     `json:"company" validate:"required,max=255"`
	Role      string     `json:"role" validate:"required,max=255"`
	StartDate time.Time  `json:"startDate" validate:"required"`
	EndDate   *time.Time `json:"endDate"`
	IsCurrent bool       `json:"isCurrent"`
}

// ExtraProfessionalExperienceInput は職務外の活動経歴の入力。
type ExtraProfessionalExperienceInput struct {
	StarInput
	ActivityName string     `json:"activityName" validate:"required,max=255"`
	Organization string     `json:"organization" validate:"max=255"`
	StartDate    time.Time  `json:"startDate" validate:"required"`
	EndDate      *time.Time `json:"endDate"`
	IsOngoing    bool       `json:"isOngoing"`
}

// EducationInput は学歴の入力。
type EducationInput struct {
	Institution        string     `json:"institution" validate:"required,max=255"`
	DegreeType         string     `json:"degreeType" validate:"required,max=100"`
	FieldOfStudy       string     `json:"fieldOfStudy" validate:"max=255"`
	StartDate          time.Time  `json:"startDate" validate:"required"`
	EndDate            *time.Time `json:"endDate"`
	IsInProgress       bool       `json:"isInProgress"`
	GPA                string     `json:"gpa" validate:"max=50"`
	Honors             string     `json:"honors" validate:"max=255"`
	RelevantCoursework string     `json:"relevantCoursework" validate:"max=1000"`
}

// ProfessionalExperience は職務経歴の定義。
var ProfessionalExperience = Definition[*model.ProfessionalExperience, ProfessionalExperienceInput]{
	Kind: model.RecordKindProfessional,
	New:  func() *model.ProfessionalExperience { return &model.ProfessionalExperience{} },
	Apply: func(rec *model.ProfessionalExperience, in *ProfessionalExperienceInput, s security.ContentSanitizer) {
		rec.Company = strings.TrimSpace(in.Company)
		rec.Role = strings.TrimSpace(in.Role)
		rec.StartDate = dateOnly(in.StartDate)
		rec.EndDate = dateOnlyPtr(in.EndDate)
		rec.IsCurrent = in.IsCurrent
		in.StarInput.apply(&rec.StarFields, s)
	},
	Check: func(in *ProfessionalExperienceInput) error {
		return checkPeriod(in.StartDate, in.EndDate, in.IsCurrent, "isCurrent")
	},
}

// ExtraProfessionalExperience は職務外の活動経歴の定義。
var ExtraProfessionalExperience = Definition[*model.ExtraProfessionalExperience, ExtraProfessionalExperienceInput]{
	Kind: model.RecordKindExtraProfessional,
	New:  func() *model.ExtraProfessionalExperience { return &model.ExtraProfessionalExperience{} },
	Apply: func(rec *model.ExtraProfessionalExperience, in *ExtraProfessionalExperienceInput, s security.ContentSanitizer) {
		rec.ActivityName = strings.TrimSpace(in.ActivityName)
		rec.Organization = strings.TrimSpace(in.Organization)
		rec.StartDate = dateOnly(in.StartDate)
		rec.EndDate = dateOnlyPtr(in.EndDate)
		rec.IsOngoing = in.IsOngoing
		in.StarInput.apply(&rec.StarFields, s)
	},
	Check: func(in *ExtraProfessionalExperienceInput) error {
		return checkPeriod(in.StartDate, in.EndDate, in.IsOngoing, "isOngoing")
	},
}

// Education は学歴の定義。
var Education = Definition[*model.Education, EducationInput]{
	Kind: model.RecordKindEducation,
	New:  func() *model.Education { return &model.Education{} },
	Apply: func(rec *model.Education, in *EducationInput, _ security.ContentSanitizer) {
		rec.Institution = strings.TrimSpace(in.Institution)
		rec.DegreeType = strings.TrimSpace(in.DegreeType)
		rec.FieldOfStudy = strings.TrimSpace(in.FieldOfStudy)
		rec.StartDate = dateOnly(in.StartDate)
		rec.EndDate = dateOnlyPtr(in.EndDate)
		rec.IsInProgress = in.IsInProgress
		rec.GPA = strings.TrimSpace(in.GPA)
		rec.Honors = strings.TrimSpace(in.Honors)
		rec.RelevantCoursework = strings.TrimSpace(in.RelevantCoursework)
	},
	Check: func(in *EducationInput) error {
		return checkPeriod(in.StartDate, in.EndDate, in.IsInProgress, "isInProgress")
	},
}

// checkPeriod は期間の整合性を検証する。継続中のレコードは終了日を持たない。
func checkPeriod(start time.Time, end *time.Time, ongoing bool, ongoingField string) error {
	if end == nil {
		return nil
	}
	if ongoing {
		return model.NewValidationError(fmt.Sprintf("endDate must be empty when %s is true", ongoingField))
	}
	if dateOnly(*end).Before(dateOnly(start)) {
		return model.NewValidationError("endDate must not be before startDate")
	}
	return nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dateOnlyPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := dateOnly(*t)
	return &d
}

// newValidator はJSONのフィールド名でエラーを報告するバリデーターを生成する。
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError はバリデーターのエラーを利用者向けのメッセージにまとめる。
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return model.NewValidationError(err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return model.NewValidationError(strings.Join(msgs, "; "))
}
