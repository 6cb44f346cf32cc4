package bridge

import (
	"strings"
	"text/template"
)

const (
	PromptDemoDate = "Добавить дату демо"
	PromptContext  = "Добавить контекст"
)

var messageTemplates = template.Must(template.New("messages").Parse(`
{{- define "billing_body" -}}
ID Компании: {{.CompanyID}}
Почта: {{.Email}}
ИНН: {{.INN}}
Тариф: {{.Plan}}
Кол-во пользователей: **{{.Licenses}}**
Период: **{{.Months}}**
* Лицензия программы для ЭВМ "Пачка", модуль "{{.Plan}}" на срок с {{.Start}} по {{.End}}
{{- end -}}

{{- define "billing_new" -}}
⚾ 🏌🏼‍♂️Новый клиент **{{.Name}}** запросил счет!
{{template "billing_body" .}}
{{- if .Note}}
` + "`{{.Note}}`" + `{{end}}
{{- end -}}

{{- define "billing_renewal" -}}
🥳 🚀Компания **{{.Name}}** запросила новый счет!
{{template "billing_body" .}}
[Тред]({{.ThreadURL}})
{{- if .Note}}
` + "`{{.Note}}`" + `{{end}}
{{- end -}}

{{- define "merge_notice" -}}
Карточки компании {{.Company}} были объединены: [link]({{.Link}})
{{- end -}}

{{- define "lead_link" -}}
[Link]({{.}})
{{- end -}}

{{- define "report_section" -}}
{{- if .Lines}}
{{- range $i, $line := .Lines}}{{if $i}}
{{end}}- {{$line}}{{end}}
{{- else}}{{.Empty}}{{end}}
{{- end -}}

{{- define "report" -}}
🟢Демо сегодня:
{{template "report_section" .Today}}

🟡Запланированные:
{{template "report_section" .Scheduled}}

🔴Незапланированные:
{{template "report_section" .Unscheduled}}
{{- end -}}
`))

type BillingNotice struct {
	Renewal   bool
	Name      string
	CompanyID int64
	Email     string
	INN       string
	Plan      string
	Licenses  string
	Months    int
	Start     string
	End       string
	ThreadURL string
	Note      string
}

func ComposeBillingNotice(n BillingNotice) (string, error) {
	name := "billing_new"
	if n.Renewal {
		name = "billing_renewal"
	}
	return render(name, n)
}

func ComposeMergeNotice(company, link string) (string, error) {
	return render("merge_notice", struct{ Company, Link string }{company, link})
}

func ComposeLeadLink(link string) (string, error) {
	return render("lead_link", link)
}

type reportSection struct {
	Lines []string
	Empty string
}

func ComposeReport(r DemoReport) (string, error) {
	today := make([]string, 0, len(r.Today))
	for _, item := range r.Today {
		today = append(today, item.Company+" - "+item.User)
	}
	scheduled := make([]string, 0, len(r.Scheduled))
	for _, item := range r.Scheduled {
		scheduled = append(scheduled, item.Company+" - "+item.Date.Format("02.01")+" - "+item.User)
	}
	unscheduled := make([]string, 0, len(r.Unscheduled))
	for _, item := range r.Unscheduled {
		unscheduled = append(unscheduled, item.Company+" - "+item.User)
	}
	return render("report", struct {
		Today, Scheduled, Unscheduled reportSection
	}{
		Today:       reportSection{Lines: today, Empty: "Нет демо на сегодня"},
		Scheduled:   reportSection{Lines: scheduled, Empty: "Нет запланированных демо"},
		Unscheduled: reportSection{Lines: unscheduled, Empty: "Нет незапланированных демо"},
	})
}

func render(name string, data any) (string, error) {
	var b strings.Builder
	if err := messageTemplates.ExecuteTemplate(&b, name, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
