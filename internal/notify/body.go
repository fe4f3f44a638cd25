package notify

import (
	"bytes"
	"html/template"

	"gp-session-sync/internal/models"
)

var bodyTemplate = template.Must(template.New("duplicate").Parse(`<html>
  <head>
    <meta charset="UTF-8">
    <style>
      body { font-family: 'Trebuchet MS', 'Open Sans', Tahoma, sans-serif; background-color: #F8F0E3; }
      h1 { text-align: center; font-size: 18px; }
      .notification { background-color: #f5f5f5; border-radius: 10px; padding: 20px; text-align: center; margin: 20px; font-size: 13px; }
      table { border-collapse: separate; border: solid black 1px; border-radius: 6px; margin: 0 auto; }
      th { border: none; padding-left: 10px; padding-right: 10px; }
      td { padding-left: 10px; padding-right: 10px; border-top: solid black 1px; }
    </style>
  </head>
  <body>
    <h1>GP Duplicate session login attempt detected</h1>
    <div class="notification">
      <p>A duplicate login attempt has been detected for username {{.Username}}</p>
      <p>Detected at {{.DetectedAt.Format "2006-01-02 15:04:05 MST"}}</p>
      <h4>Original (Connected) Session Details</h4>
      {{template "session" .Original}}
      <h4>Denied Login Attempt Details</h4>
      {{template "session" .Attempted}}
    </div>
  </body>
</html>
{{define "session"}}<table>
        <thead>
          <tr>
            <th>Client Hostname</th>
            <th>Client OS</th>
            <th>Client IP</th>
            <th>Client IP Region/Country</th>
          </tr>
        </thead>
        <tr>
          <td>{{.Hostname}}</td>
          <td>{{.OS}}</td>
          <td>{{.SourceIP}}</td>
          <td>{{.Region}}</td>
        </tr>
      </table>{{end}}`))

// RenderBody renders the HTML notification for event.
func RenderBody(event models.DuplicateSessionEvent) (string, error) {
	var buf bytes.Buffer
	if err := bodyTemplate.Execute(&buf, event); err != nil {
		return "", err
	}
	return buf.String(), nil
}
