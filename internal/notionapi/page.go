package notionapi

import "strings"

type Page struct {
	ID         string              `json:"id"`
	Archived   bool                `json:"archived"`
	URL        string              `json:"url,omitempty"`
	Properties map[string]Property `json:"properties"`
}

type Property struct {
	Type     string     `json:"type"`
	Title    []RichText `json:"title,omitempty"`
	RichText []RichText `json:"rich_text,omitempty"`
	Status   *Option    `json:"status,omitempty"`
	Select   *Option    `json:"select,omitempty"`
	Date     *Date      `json:"date,omitempty"`
	Number   *float64   `json:"number,omitempty"`
}

type RichText struct {
	Type      string `json:"type,omitempty"`
	PlainText string `json:"plain_text,omitempty"`
	Text      *Text  `json:"text,omitempty"`
}

type Text struct {
	Content string `json:"content"`
}

type Option struct {
	Name string `json:"name"`
}

type Date struct {
	Start string  `json:"start"`
	End   *string `json:"end,omitempty"`
}

// Properties is a write payload keyed by property name.
type Properties map[string]any

func TitleValue(text string) map[string]any {
	return map[string]any{"title": []any{textItem(text)}}
}

// RichTextValue with an empty string clears the property.
func RichTextValue(text string) map[string]any {
	return map[string]any{"rich_text": []any{textItem(text)}}
}

func StatusValue(name string) map[string]any {
	return map[string]any{"status": map[string]any{"name": name}}
}

func DateValue(start string) map[string]any {
	return map[string]any{"date": map[string]any{"start": start}}
}

func textItem(text string) map[string]any {
	return map[string]any{"text": map[string]any{"content": text}}
}

// Title returns the text of the page's title property.
func (p Page) Title() string {
	if prop, ok := p.Properties["Name"]; ok && prop.Type == "title" {
		return joinRichText(prop.Title)
	}
	for _, prop := range p.Properties {
		if prop.Type == "title" {
			return joinRichText(prop.Title)
		}
	}
	return ""
}

func (p Page) Text(name string) string {
	prop, ok := p.Properties[name]
	if !ok {
		return ""
	}
	if prop.Type == "title" {
		return joinRichText(prop.Title)
	}
	return joinRichText(prop.RichText)
}

func (p Page) Status(name string) string {
	prop, ok := p.Properties[name]
	if !ok {
		return ""
	}
	if prop.Status != nil {
		return prop.Status.Name
	}
	if prop.Select != nil {
		return prop.Select.Name
	}
	return ""
}

func (p Page) DateStart(name string) string {
	prop, ok := p.Properties[name]
	if !ok || prop.Date == nil {
		return ""
	}
	return prop.Date.Start
}

func joinRichText(items []RichText) string {
	var b strings.Builder
	for _, item := range items {
		switch {
		case item.PlainText != "":
			b.WriteString(item.PlainText)
		case item.Text != nil:
			b.WriteString(item.Text.Content)
		}
	}
	return b.String()
}
