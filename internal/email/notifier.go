package email

import (
	"context"
	"fmt"
	"html/template"
	"strings"

	"masterflow/api/internal/flow"
)

// Directory resolves user ids to email addresses. Approvers added by email
// alone need no lookup.
type Directory interface {
	EmailFor(ctx context.Context, tenantID, userID string) (string, error)
}

// StaticDirectory is a fixed user id to address map.
type StaticDirectory map[string]string

func (d StaticDirectory) EmailFor(_ context.Context, _, userID string) (string, error) {
	return d[userID], nil
}

type TransitionData struct {
	AppName    string
	Title      string
	DocumentID string
	Headline   string
	Detail     string
	URL        string
}

// Notifier emails the recipients of a transition.
type Notifier struct {
	service   *Service
	directory Directory
	appName   string
}

func NewNotifier(service *Service, directory Directory) *Notifier {
	return &Notifier{service: service, directory: directory, appName: "Masterflow"}
}

func (n *Notifier) Notify(ctx context.Context, transition flow.Transition) error {
	if !n.service.IsConfigured() {
		return nil
	}
	to, err := n.recipients(ctx, transition)
	if err != nil {
		return err
	}
	if len(to) == 0 {
		return nil
	}

	data := n.describe(transition)
	subject := fmt.Sprintf("[%s] %s: %s", n.appName, transition.Title, data.Headline)
	html, err := renderTemplate(transitionTemplate, data)
	if err != nil {
		return fmt.Errorf("render transition template: %w", err)
	}
	text := data.Headline + "\r\n\r\n" + data.Detail
	if data.URL != "" {
		text += "\r\n\r\n" + data.URL
	}
	return n.service.SendHTMLEmail(to, subject, text, html)
}

func (n *Notifier) recipients(ctx context.Context, transition flow.Transition) ([]string, error) {
	seen := make(map[string]struct{}, len(transition.Recipients))
	to := make([]string, 0, len(transition.Recipients))
	for _, recipient := range transition.Recipients {
		address := recipient.Email
		if address == "" && recipient.UserID != "" && n.directory != nil {
			resolved, err := n.directory.EmailFor(ctx, transition.TenantID, recipient.UserID)
			if err != nil {
				return nil, fmt.Errorf("resolve email for %s: %w", recipient.UserID, err)
			}
			address = resolved
		}
		address = strings.TrimSpace(address)
		if address == "" {
			continue
		}
		if _, dup := seen[address]; dup {
			continue
		}
		seen[address] = struct{}{}
		to = append(to, address)
	}
	return to, nil
}

func (n *Notifier) describe(transition flow.Transition) TransitionData {
	data := TransitionData{
		AppName:    n.appName,
		Title:      transition.Title,
		DocumentID: transition.DocumentID,
	}
	if base := strings.TrimRight(n.service.config.AppURL, "/"); base != "" {
		data.URL = base + "/documents/" + transition.DocumentID
	}
	switch transition.Event {
	case flow.EventSubmit:
		data.Headline = "Submitted for approval"
		data.Detail = "Your document has been submitted and approvers have been notified."
	case flow.EventActivate, flow.EventAdvance:
		data.Headline = "Your approval is requested"
		data.Detail = fmt.Sprintf("The document is waiting for your decision (step %d).", transition.To.Step)
	case flow.EventApprove:
		data.Headline = "Approved"
		data.Detail = "Every required step has approved the document."
	case flow.EventReject:
		data.Headline = "Rejected"
		data.Detail = "An approver rejected the document. No further steps will run."
	case flow.EventCancel:
		data.Headline = "Cancelled"
		data.Detail = "The owner withdrew the document. No decision is needed from you."
	default:
		data.Headline = fmt.Sprintf("Moved to %s", transition.To)
	}
	return data
}

var transitionTemplate = template.Must(template.New("transition").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}: {{.Headline}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>{{.Headline}}</h2>
    <p><strong>{{.Title}}</strong></p>
    <p>{{.Detail}}</p>
    {{if .URL}}
    <p>
        <a href="{{.URL}}" class="button">Open document</a>
    </p>
    {{end}}

    <div class="footer">
        <p>Document {{.DocumentID}}</p>
    </div>
</body>
</html>`))
