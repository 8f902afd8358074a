package dispatch

import (
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/alertops/dataminr-relay/internal/store"
)

// HTMLRenderer is the built-in Renderer: small server-side fragments for
// the alert detail panel and the notification banner. Hosts with their own
// presentation layer supply a different Renderer.
type HTMLRenderer struct{}

var detailTmpl = template.Must(template.New("detail").Parse(`<div class="alert-detail">
<h2>{{.Headline}}</h2>
<p class="alert-meta"><span class="alert-type">{{.Type}}</span> {{.Time}}</p>
{{if .Lists}}<p class="alert-lists">Matched lists: {{.Lists}}</p>{{end}}
{{if .URL}}<p><a href="{{.URL}}">View on Dataminr</a></p>{{end}}
</div>`))

var notificationTmpl = template.Must(template.New("notification").Parse(
	`<div class="alert-notification">New alert: {{.}}</div>`))

// AlertDetail renders the detail fragment. The alert timestamp is shown in
// the given IANA timezone, falling back to UTC when it does not resolve.
func (HTMLRenderer) AlertDetail(a store.Alert, timezone string) (string, error) {
	loc := time.UTC
	if timezone != "" {
		if l, err := time.LoadLocation(timezone); err == nil {
			loc = l
		}
	}

	names := make([]string, 0, len(a.ListsMatched))
	for _, m := range a.ListsMatched {
		names = append(names, m.Name)
	}

	var b strings.Builder
	err := detailTmpl.Execute(&b, struct {
		Headline, Type, Time, Lists, URL string
	}{
		Headline: a.Headline,
		Type:     a.AlertType.Name,
		Time:     time.UnixMilli(a.AlertTimestamp).In(loc).Format("Jan 2, 2006 15:04 MST"),
		Lists:    strings.Join(names, ", "),
		URL:      a.DataminrAlertURL,
	})
	if err != nil {
		return "", fmt.Errorf("dispatch: render alert detail: %w", err)
	}
	return b.String(), nil
}

// AlertNotification renders the notification banner for a watch-list name.
func (HTMLRenderer) AlertNotification(name string) (string, error) {
	var b strings.Builder
	if err := notificationTmpl.Execute(&b, name); err != nil {
		return "", fmt.Errorf("dispatch: render notification: %w", err)
	}
	return b.String(), nil
}
