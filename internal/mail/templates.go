package mail

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"net/url"
	"strings"
	"text/template"
	"time"

	"github.com/romu70/jearch/internal/model"
)

// Message はテンプレートから生成したメール本文。
type Message struct {
	Subject  string
	BodyText string
	BodyHTML string
}

// TemplateData はテンプレートに埋め込む値。
type TemplateData struct {
	Email     string
	ActionURL string
	ExpiresIn time.Duration
}

type templateSet struct {
	subject string
	path    string
	text    *template.Template
	html    *htmltemplate.Template
}

// Renderer はメール種別ごとの件名と本文を生成する。
type Renderer struct {
	baseURL   string
	templates map[model.TemplateKind]templateSet
}

// NewRenderer はRendererを生成する。baseURLはリンクの生成に使う。
func NewRenderer(baseURL string) (*Renderer, error) {
	r := &Renderer{
		baseURL:   strings.TrimRight(baseURL, "/"),
		templates: make(map[model.TemplateKind]templateSet),
	}

	defs := []struct {
		kind    model.TemplateKind
		subject string
		path    string
		text    string
		html    string
	}{
		{model.TemplateVerification, "Confirm your email address", "/verify-email", verificationText, verificationHTML},
		{model.TemplatePasswordReset, "Reset your password", "/reset-password", passwordResetText, passwordResetHTML},
		{model.TemplateUnlock, "Unlock your account", "/unlock", unlockText, unlockHTML},
	}
	for _, d := range defs {
		tt, err := template.New(string(d.kind)).Funcs(template.FuncMap{"human": humanDuration}).Parse(d.text)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s text template: %w", d.kind, err)
		}
		ht, err := htmltemplate.New(string(d.kind)).Funcs(htmltemplate.FuncMap{"human": humanDuration}).Parse(d.html)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s html template: %w", d.kind, err)
		}
		r.templates[d.kind] = templateSet{subject: d.subject, path: d.path, text: tt, html: ht}
	}
	return r, nil
}

// ActionURL はトークン付きのリンクを生成する。
func (r *Renderer) ActionURL(kind model.TemplateKind, token string) (string, error) {
	set, ok := r.templates[kind]
	if !ok {
		return "", fmt.Errorf("unknown email template: %s", kind)
	}
	return r.baseURL + set.path + "?token=" + url.QueryEscape(token), nil
}

// Render はメール種別とトークンから本文を生成する。
func (r *Renderer) Render(kind model.TemplateKind, email, token string, expiresIn time.Duration) (*Message, error) {
	set, ok := r.templates[kind]
	if !ok {
		return nil, fmt.Errorf("unknown email template: %s", kind)
	}
	link, err := r.ActionURL(kind, token)
	if err != nil {
		return nil, err
	}
	data := TemplateData{Email: email, ActionURL: link, ExpiresIn: expiresIn}

	var text, html bytes.Buffer
	if err := set.text.Execute(&text, data); err != nil {
		return nil, fmt.Errorf("failed to render %s text body: %w", kind, err)
	}
	if err := set.html.Execute(&html, data); err != nil {
		return nil, fmt.Errorf("failed to render %s html body: %w", kind, err)
	}

	return &Message{Subject: set.subject, BodyText: text.String(), BodyHTML: html.String()}, nil
}

// humanDuration は有効期限を「24 hours」「30 minutes」のような表記にする。
func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return plural(int(d/time.Hour), "hour")
	case d >= time.Minute:
		return plural(int(d.Round(time.Minute)/time.Minute), "minute")
	default:
		return plural(int(d.Round(time.Second)/time.Second), "second")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

const verificationText = `Welcome to Jearch!

Please confirm your email address ({{.Email}}) by opening the link below:

{{.ActionURL}}

This link expires in {{human .ExpiresIn}}. If you did not create an account, you can ignore this email.
`

const verificationHTML = `<h1>Welcome to Jearch!</h1>
<p>Please confirm your email address ({{.Email}}) by following <a href="{{.ActionURL}}">this link</a>.</p>
<p>This link expires in {{human .ExpiresIn}}. If you did not create an account, you can ignore this email.</p>
`

const passwordResetText = `We received a request to reset the password for {{.Email}}.

Open the link below to choose a new password:

{{.ActionURL}}

This link expires in {{human .ExpiresIn}}. If you did not request a reset, no action is needed.
`

const passwordResetHTML = `<h1>Reset your password</h1>
<p>We received a request to reset the password for {{.Email}}.</p>
<p><a href="{{.ActionURL}}">Choose a new password</a></p>
<p>This link expires in {{human .ExpiresIn}}. If you did not request a reset, no action is needed.</p>
`

const unlockText = `We noticed several failed sign-in attempts for {{.Email}}, so sign-in has been paused.

If this was you, open the link below to unlock your account right away:

{{.ActionURL}}

This link expires in {{human .ExpiresIn}}. If it was not you, consider resetting your password.
`

const unlockHTML = `<h1>Unlock your account</h1>
<p>We noticed several failed sign-in attempts for {{.Email}}, so sign-in has been paused.</p>
<p>If this was you, <a href="{{.ActionURL}}">unlock your account</a> right away.</p>
<p>This link expires in {{human .ExpiresIn}}. If it was not you, consider resetting your password.</p>
`
