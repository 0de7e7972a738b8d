package handler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/romu70/jearch/internal/model"
	"github.com/romu70/jearch/internal/record"
)

var profileUpdatedAt = time.Date(2026, 3, 2, 9, 0, 0, 654321000, time.UTC)

func sampleProfile() *model.Profile {
	name := "Jane Doe"
	return &model.Profile{
		UserID:            testUserID,
		FullName:          &name,
		PreferredLanguage: "fr",
		CreatedAt:         profileUpdatedAt.Add(-24 * time.Hour),
		UpdatedAt:         profileUpdatedAt,
	}
}

func TestProfile_Get(t *testing.T) {
	env := newTestEnv(t)
	env.profiles.getFn = func(ctx context.Context, userID string) (*model.Profile, error) {
		if userID != testUserID {
			t.Errorf("userID = %q", userID)
		}
		return sampleProfile(), nil
	}

	w := env.do(t, http.MethodGet, "/api/users/me/profile", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["fullName"] != "Jane Doe" || body["preferredLanguage"] != "fr" || body["updatedAt"] != "2026-03-02T09:00:00.654321Z" {
		t.Errorf("body = %v", body)
	}
}

func TestProfile_UpdatePassesClientVersion(t *testing.T) {
	env := newTestEnv(t)
	var gotClient time.Time
	var gotIn *record.ProfileInput
	env.profiles.updateFn = func(ctx context.Context, userID string, client time.Time, in *record.ProfileInput) (*model.Profile, *model.ConflictDecision[*model.Profile], error) {
		gotClient, gotIn = client, in
		p := sampleProfile()
		p.UpdatedAt = profileUpdatedAt.Add(time.Second)
		return p, nil, nil
	}

	w := env.do(t, http.MethodPut, "/api/users/me/profile", map[string]any{
		"updatedAt":         profileUpdatedAt.Format(time.RFC3339Nano),
		"fullName":          "Jane Doe",
		"preferredLanguage": "fr",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !gotClient.Equal(profileUpdatedAt) {
		t.Errorf("client version = %v, want %v", gotClient, profileUpdatedAt)
	}
	if gotIn == nil || gotIn.FullName == nil || *gotIn.FullName != "Jane Doe" || gotIn.PreferredLanguage != "fr" {
		t.Errorf("input = %+v", gotIn)
	}
}

func TestProfile_UpdateConflictReturns409(t *testing.T) {
	env := newTestEnv(t)
	stale := profileUpdatedAt.Add(-time.Hour)
	env.profiles.updateFn = func(ctx context.Context, userID string, client time.Time, in *record.ProfileInput) (*model.Profile, *model.ConflictDecision[*model.Profile], error) {
		server := sampleProfile()
		return nil, &model.ConflictDecision[*model.Profile]{
			HasConflict:     true,
			LocalTimestamp:  client,
			ServerTimestamp: server.UpdatedAt,
			ServerSnapshot:  server,
		}, nil
	}

	w := env.do(t, http.MethodPut, "/api/users/me/profile", map[string]any{
		"updatedAt":         stale.Format(time.RFC3339Nano),
		"fullName":          "Someone Else",
		"preferredLanguage": "fr",
	})

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["conflict"] != true || body["serverUpdatedAt"] != "2026-03-02T09:00:00.654321Z" {
		t.Errorf("body = %v", body)
	}
	server, ok := body["serverData"].(map[string]any)
	if !ok || server["fullName"] != "Jane Doe" {
		t.Errorf("serverData = %v", body["serverData"])
	}
}

func TestProfile_UpdateRequiresVersion(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPut, "/api/users/me/profile", map[string]any{"preferredLanguage": "fr"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", w.Code)
	}
}

func TestProfile_RequiresSession(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/users/me/profile", nil, anonymous)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", w.Code)
	}
}
