package dom

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// FormValues collects the successful controls of a form.
func FormValues(form *html.Node) url.Values {
	values := url.Values{}
	for _, n := range ByTag(form, "*") {
		name := Attr(n, "name")
		if name == "" {
			continue
		}
		if _, disabled := LookupAttr(n, "disabled"); disabled {
			continue
		}
		switch n.Data {
		case "input":
			switch strings.ToLower(Attr(n, "type")) {
			case "submit", "button", "reset", "image", "file":
				continue
			case "checkbox", "radio":
				if _, checked := LookupAttr(n, "checked"); !checked {
					continue
				}
				v, ok := LookupAttr(n, "value")
				if !ok {
					v = "on"
				}
				values.Add(name, v)
			default:
				values.Add(name, Attr(n, "value"))
			}
		case "textarea":
			values.Add(name, Text(n))
		case "select":
			for _, opt := range ByTag(n, "option") {
				if _, selected := LookupAttr(opt, "selected"); selected {
					values.Add(name, optionValue(opt))
				}
			}
		}
	}
	return values
}

func optionValue(opt *html.Node) string {
	if v, ok := LookupAttr(opt, "value"); ok {
		return v
	}
	return strings.TrimSpace(Text(opt))
}
