package submission

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/fieldmind/fieldmind-web/internal/provider/relay"
)

var notificationHTML = template.Must(template.New("contact").Parse(`<h2>New Contact Form Submission</h2>
<p><strong>Name:</strong> {{.Name}}</p>
<p><strong>Email:</strong> {{.Email}}</p>
<p><strong>Company:</strong> {{.Company}}</p>
<p><strong>Message:</strong></p>
<p>{{range $i, $line := .Lines}}{{if $i}}<br>{{end}}{{$line}}{{end}}</p>
<p><strong>Newsletter Signup:</strong> {{.Newsletter}}</p>
`))

type notificationView struct {
	Name       string
	Email      string
	Company    string
	Lines      []string
	Newsletter string
}

// composeNotification builds the operator notification for a validated
// contact submission. Visitor text is HTML-escaped by the template and
// stripped of CR/LF wherever it lands in a header.
func composeNotification(c Contact, recipient string) (relay.Message, error) {
	name := relay.SanitizeHeader(c.Name)
	email := strings.TrimSpace(c.Email)
	company := strings.TrimSpace(c.Company)
	if company == "" {
		company = "Not provided"
	}
	newsletter := "No"
	if c.Newsletter {
		newsletter = "Yes"
	}
	message := strings.ReplaceAll(strings.TrimSpace(c.Message), "\r\n", "\n")

	text := fmt.Sprintf("Name: %s\nEmail: %s\nCompany: %s\nMessage: %s\nNewsletter Signup: %s\n",
		name, email, company, message, newsletter)

	var html bytes.Buffer
	if err := notificationHTML.Execute(&html, notificationView{
		Name:       name,
		Email:      email,
		Company:    company,
		Lines:      strings.Split(message, "\n"),
		Newsletter: newsletter,
	}); err != nil {
		return relay.Message{}, fmt.Errorf("render notification: %w", err)
	}

	return relay.Message{
		To:      recipient,
		ReplyTo: email,
		Subject: "New Contact Form Submission from " + name,
		Text:    text,
		HTML:    html.String(),
	}, nil
}
