package model

import "time"

// DefaultPreferredLanguage は新規プロフィールの表示言語。
const DefaultPreferredLanguage = "fr"

// Profile はユーザーごとに1件だけ存在するプロフィール。
// 経歴レコードと同じく UpdatedAt を版トークンとして楽観的排他制御で更新する。
type Profile struct {
	UserID            string
	FullName          *string
	PreferredLanguage string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Version は現在の版トークンを返す。
func (p *Profile) Version() time.Time {
	return p.UpdatedAt
}

// SetVersion は版トークンを更新する。
func (p *Profile) SetVersion(t time.Time) {
	p.UpdatedAt = t
}
