package mail

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"
)

// TemplateRoomInvitation is sent when an administrator invites an email
// address to co-manage a room.
const TemplateRoomInvitation = "room_invitation"

// RoomInvitation is the payload of TemplateRoomInvitation.
type RoomInvitation struct {
	To                 string
	UserName           string
	RoomName           string
	InvitationURL      string
	InvitationDatetime time.Time
	ExpiresIn          time.Duration
}

// Recipient implements Data.
func (r RoomInvitation) Recipient() string { return r.To }

// ExpiresInHours is used by the templates.
func (r RoomInvitation) ExpiresInHours() int {
	if r.ExpiresIn <= 0 {
		return 24
	}
	return int(r.ExpiresIn.Hours())
}

// TemplateEmailVerification carries the link that confirms a newly
// registered email address.
const TemplateEmailVerification = "email_verification"

// EmailVerification is the payload of TemplateEmailVerification.
type EmailVerification struct {
	To              string
	UserName        string
	VerificationURL string
	ExpiresIn       time.Duration
}

// Recipient implements Data.
func (e EmailVerification) Recipient() string { return e.To }

// ExpiresInHours is used by the templates.
func (e EmailVerification) ExpiresInHours() int {
	if e.ExpiresIn <= 0 {
		return 24
	}
	return int(e.ExpiresIn.Hours())
}

// Data is a template payload that knows its recipient.
type Data interface {
	Recipient() string
}

// Message is a rendered mail ready for a driver.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

type template struct {
	subject *texttemplate.Template
	text    *texttemplate.Template
	html    *htmltemplate.Template
}

var templates = map[string]template{
	TemplateRoomInvitation: {
		subject: texttemplate.Must(texttemplate.New("subject").Parse(
			`社群的 {{.UserName}} 邀請您成為 {{.RoomName}} 的管理員`)),
		text: texttemplate.Must(texttemplate.New("text").Parse(`您好，這裡是 Freya 芙蕾雅，一個專注為 LINE 社群打擊垃圾訊息的平台。
使用者 {{.UserName}} 邀請您成為 {{.RoomName}} 的管理員。

請開啟以下網址接受邀請：
{{.InvitationURL}}

此邀請於 {{.InvitationDatetime.Format "2006-01-02 15:04 MST"}} 發出，將在 {{.ExpiresInHours}} 小時後過期。
若您並未參與此社群，請忽略本郵件。

本郵件由系統自動發送，請勿回覆。
`)),
		html: htmltemplate.Must(htmltemplate.New("html").Parse(`<p>您好，這裡是 Freya 芙蕾雅。<br/>
使用者 {{.UserName}} 邀請您成為 {{.RoomName}} 的管理員。</p>
<p>請開啟以下網址接受邀請：<br/>
<a href="{{.InvitationURL}}">{{.InvitationURL}}</a></p>
<p>此邀請於 {{.InvitationDatetime.Format "2006-01-02 15:04 MST"}} 發出，將在 {{.ExpiresInHours}} 小時後過期。<br/>
若您並未參與此社群，請忽略本郵件。</p>
<p>本郵件由系統自動發送，請勿回覆。</p>
`)),
	},
	TemplateEmailVerification: {
		subject: texttemplate.Must(texttemplate.New("subject").Parse(
			`請驗證您的 Freya 電子郵件地址`)),
		text: texttemplate.Must(texttemplate.New("text").Parse(`{{.UserName}} 您好，

請開啟以下網址驗證您的電子郵件地址，驗證後才能接受社群管理員邀請：
{{.VerificationURL}}

此連結將在 {{.ExpiresInHours}} 小時後過期。
若您並未註冊 Freya，請忽略本郵件。

本郵件由系統自動發送，請勿回覆。
`)),
		html: htmltemplate.Must(htmltemplate.New("html").Parse(`<p>{{.UserName}} 您好，</p>
<p>請開啟以下網址驗證您的電子郵件地址，驗證後才能接受社群管理員邀請：<br/>
<a href="{{.VerificationURL}}">{{.VerificationURL}}</a></p>
<p>此連結將在 {{.ExpiresInHours}} 小時後過期。<br/>
若您並未註冊 Freya，請忽略本郵件。</p>
<p>本郵件由系統自動發送，請勿回覆。</p>
`)),
	},
}

// Render fills the named template with data.
func Render(name string, data Data) (*Message, error) {
	tpl, ok := templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	to := strings.TrimSpace(data.Recipient())
	if to == "" {
		return nil, ErrNoRecipient
	}

	var subject, text, html bytes.Buffer
	if err := tpl.subject.Execute(&subject, data); err != nil {
		return nil, fmt.Errorf("render %s subject: %w", name, err)
	}
	if err := tpl.text.Execute(&text, data); err != nil {
		return nil, fmt.Errorf("render %s text: %w", name, err)
	}
	if err := tpl.html.Execute(&html, data); err != nil {
		return nil, fmt.Errorf("render %s html: %w", name, err)
	}

	return &Message{
		To:      to,
		Subject: strings.TrimSpace(subject.String()),
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}
