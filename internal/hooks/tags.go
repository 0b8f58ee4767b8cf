package hooks

import (
	"strings"

	"github.com/GriffinCanCode/malsmug/internal/ioc"
	"github.com/GriffinCanCode/malsmug/internal/sandbox"
)

// networkTags maps each element that can issue a request on its own to the
// attribute holding the location it loads.
var networkTags = map[string]string{
	"img":    "src",
	"script": "src",
	"iframe": "src",
	"frame":  "src",
	"embed":  "src",
	"object": "data",
	"link":   "href",
	"form":   "action",
	"audio":  "src",
	"video":  "src",
	"source": "src",
	"track":  "src",
}

// SourceAttr returns the location-bearing attribute of a network-capable
// tag, or false for tags that are not reported.
func SourceAttr(tag string) (string, bool) {
	attr, ok := networkTags[strings.ToLower(tag)]
	return attr, ok
}

type mutationsHook struct {
	next sandbox.Mutations
	r    *reporter
}

func (h mutationsHook) Observe(added []sandbox.Inserted) {
	for _, e := range added {
		attr, ok := networkTags[e.Tag]
		if !ok {
			continue
		}
		h.r.emit(func() ioc.Payload {
			src := ""
			if v, ok := e.Attr(attr); ok {
				src = e.Resolve(v)
			}
			return ioc.NewNetworkHTMLElement{ElementType: e.Tag, Src: src}
		})
	}
	h.next.Observe(added)
}
