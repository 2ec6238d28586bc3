package notify

import (
	"bytes"
	"strings"
	"text/template"
	"time"

	"calbot/internal/model"
)

const (
	dateTimeFmt = "Mon, 02 Jan 2006 15:04"
	dateFmt     = "Mon, 02 Jan 2006"
)

const tomorrowTpl = "📅 Reminder 📅\nTomorrow {{ when .Event }} event: **{{ .Event.Summary }}**"
const todayTpl = "📅 Reminder 📅\nToday {{ when .Event }} event: **{{ .Event.Summary }}**"
const alarmTpl = "⏰ Event reminder ⏰ - **{{ .Event.Summary }}** is about to start{{ with .Mention }}\n{{ . }}{{ end }}"
const addedTpl = "🆕 New event: **{{ .Event.Summary }}** - {{ when .Event }}"

// Formatter renders messages in one display timezone.
type Formatter struct {
	loc     *time.Location
	mention string
	tpl     map[Kind]*template.Template
}

// NewFormatter renders times in loc. mention (e.g. "@everyone") is appended
// to alarm reminders when non-empty.
func NewFormatter(loc *time.Location, mention string) Formatter {
	if loc == nil {
		loc = time.Local
	}
	f := Formatter{loc: loc, mention: mention}
	funcs := template.FuncMap{"when": f.When}
	f.tpl = map[Kind]*template.Template{
		KindTomorrow: template.Must(template.New("tomorrow").Funcs(funcs).Parse(tomorrowTpl)),
		KindToday:    template.Must(template.New("today").Funcs(funcs).Parse(todayTpl)),
		KindAlarm:    template.Must(template.New("alarm").Funcs(funcs).Parse(alarmTpl)),
		KindAdded:    template.Must(template.New("added").Funcs(funcs).Parse(addedTpl)),
	}
	return f
}

// When renders the event start in the display zone, date only for all-day events.
func (f Formatter) When(ev model.Event) string {
	if ev.AllDay {
		return ev.Start.In(f.loc).Format(dateFmt)
	}
	return ev.Start.In(f.loc).Format(dateTimeFmt)
}

func (f Formatter) Format(msg Message) string {
	tpl, ok := f.tpl[msg.Kind]
	if !ok {
		return msg.Event.Summary
	}
	var buf bytes.Buffer
	data := struct {
		Event   model.Event
		Mention string
	}{msg.Event, f.mention}
	if err := tpl.Execute(&buf, data); err != nil {
		return msg.Event.Summary
	}
	return buf.String()
}

// plainText drops chat markdown for sinks that do not render it.
func plainText(s string) string {
	return strings.ReplaceAll(s, "**", "")
}
