package handler

import (
	"time"

	"github.com/romu70/jearch/internal/model"
	"github.com/romu70/jearch/internal/record"
)

// starJSON はSTAR記述のJSON表現。
type starJSON struct {
	Situation string `json:"situation"`
	Task      string `json:"task"`
	Action    string `json:"action"`
	Result    string `json:"result"`
}

func (s starJSON) input() record.StarInput {
	return record.StarInput{Situation: s.Situation, Task: s.Task, Action: s.Action, Result: s.Result}
}

func newStarJSON(f model.StarFields) starJSON {
	return starJSON{Situation: f.Situation, Task: f.Task, Action: f.Action, Result: f.Result}
}

// metaJSON はレコード共通のJSON表現。updatedAt がクライアントの保持する版トークン。
type metaJSON struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func newMetaJSON(m *model.RecordMeta) metaJSON {
	return metaJSON{ID: m.ID, CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()}
}

// --- 職務経歴 ---

type professionalExperienceRequest struct {
	starJSON
	Company   string `json:"company"`
	Role      string `json:"role"`
	StartDate Date   `json:"startDate"`
	EndDate   *Date  `json:"endDate"`
	IsCurrent bool   `json:"isCurrent"`
}

func (r *professionalExperienceRequest) toInput() *record.ProfessionalExperienceInput {
	return &record.ProfessionalExperienceInput{
		StarInput: r.starJSON.input(),
		Company:   r.Company,
		Role:      r.Role,
		StartDate: r.StartDate.Time,
		EndDate:   r.EndDate.timePtr(),
		IsCurrent: r.IsCurrent,
	}
}

type professionalExperienceResponse struct {
	metaJSON
	starJSON
	Company              string `json:"company"`
	Role                 string `json:"role"`
	StartDate            Date   `json:"startDate"`
	EndDate              *Date  `json:"endDate"`
	IsCurrent            bool   `json:"isCurrent"`
	CompletionPercentage int    `json:"completionPercentage"`
}

func toProfessionalExperienceResponse(rec *model.ProfessionalExperience) any {
	return professionalExperienceResponse{
		metaJSON:             newMetaJSON(rec.Meta()),
		starJSON:             newStarJSON(rec.StarFields),
		Company:              rec.Company,
		Role:                 rec.Role,
		StartDate:            newDate(rec.StartDate),
		EndDate:              newDatePtr(rec.EndDate),
		IsCurrent:            rec.IsCurrent,
		CompletionPercentage: rec.CompletionPercentage(),
	}
}

// --- 職務外の活動経歴 ---

type extraProfessionalExperienceRequest struct {
	starJSON
	ActivityName string `json:"activityName"`
	Organization string `json:"organization"`
	StartDate    Date   `json:"startDate"`
	EndDate      *Date  `json:"endDate"`
	IsOngoing    bool   `json:"isOngoing"`
}

func (r *extraProfessionalExperienceRequest) toInput() *record.ExtraProfessionalExperienceInput {
	return &record.ExtraProfessionalExperienceInput{
		StarInput:    r.starJSON.input(),
		ActivityName: r.ActivityName,
		Organization: r.Organization,
		StartDate:    r.StartDate.Time,
		EndDate:      r.EndDate.timePtr(),
		IsOngoing:    r.IsOngoing,
	}
}

type extraProfessionalExperienceResponse struct {
	metaJSON
	starJSON
	ActivityName         string `json:"activityName"`
	Organization         string `json:"organization"`
	StartDate            Date   `json:"startDate"`
	EndDate              *Date  `json:"endDate"`
	IsOngoing            bool   `json:"isOngoing"`
	CompletionPercentage int    `json:"completionPercentage"`
}

func toExtraProfessionalExperienceResponse(rec *model.ExtraProfessionalExperience) any {
	return extraProfessionalExperienceResponse{
		metaJSON:             newMetaJSON(rec.Meta()),
		starJSON:             newStarJSON(rec.StarFields),
		ActivityName:         rec.ActivityName,
		Organization:         rec.Organization,
		StartDate:            newDate(rec.StartDate),
		EndDate:              newDatePtr(rec.EndDate),
		IsOngoing:            rec.IsOngoing,
		CompletionPercentage: rec.CompletionPercentage(),
	}
}

// --- 学歴 ---

type educationRequest struct {
	Institution        string `json:"institution"`
	DegreeType         string `json:"degreeType"`
	FieldOfStudy       string `json:"fieldOfStudy"`
	StartDate          Date   `json:"startDate"`
	EndDate            *Date  `json:"endDate"`
	IsInProgress       bool   `json:"isInProgress"`
	GPA                string `json:"gpa"`
	Honors             string `json:"honors"`
	RelevantCoursework string `json:"relevantCoursework"`
}

func (r *educationRequest) toInput() *record.EducationInput {
	return &record.EducationInput{
		Institution:        r.Institution,
		DegreeType:         r.DegreeType,
		FieldOfStudy:       r.FieldOfStudy,
		StartDate:          r.StartDate.Time,
		EndDate:            r.EndDate.timePtr(),
		IsInProgress:       r.IsInProgress,
		GPA:                r.GPA,
		Honors:             r.Honors,
		RelevantCoursework: r.RelevantCoursework,
	}
}

type educationResponse struct {
	metaJSON
	Institution        string `json:"institution"`
	DegreeType         string `json:"degreeType"`
	FieldOfStudy       string `json:"fieldOfStudy"`
	StartDate          Date   `json:"startDate"`
	EndDate            *Date  `json:"endDate"`
	IsInProgress       bool   `json:"isInProgress"`
	GPA                string `json:"gpa"`
	Honors             string `json:"honors"`
	RelevantCoursework string `json:"relevantCoursework"`
}

func toEducationResponse(rec *model.Education) any {
	return educationResponse{
		metaJSON:           newMetaJSON(rec.Meta()),
		Institution:        rec.Institution,
		DegreeType:         rec.DegreeType,
		FieldOfStudy:       rec.FieldOfStudy,
		StartDate:          newDate(rec.StartDate),
		EndDate:            newDatePtr(rec.EndDate),
		IsInProgress:       rec.IsInProgress,
		GPA:                rec.GPA,
		Honors:             rec.Honors,
		RelevantCoursework: rec.RelevantCoursework,
	}
}
