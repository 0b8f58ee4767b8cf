package hooks

import (
	"mime"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/GriffinCanCode/malsmug/internal/ioc"
	"github.com/GriffinCanCode/malsmug/internal/sandbox"
)

// DefaultResponseDataLimit caps the body carried on HttpResponse IoCs.
const DefaultResponseDataLimit = 64 << 10

const octetStream = "application/octet-stream"

// suspiciousTypes are content types whose responses are captured whole:
// executables, scripts meant for the OS, archives and office documents.
var suspiciousTypes = []string{
	// executables and installers
	"application/vnd.microsoft.portable-executable",
	"application/x-msdownload",
	"application/x-msdos-program",
	"application/x-dosexec",
	"application/x-executable",
	"application/x-elf",
	"application/x-sharedlib",
	"application/x-mach-binary",
	"application/x-msi",
	"application/x-ms-installer",
	"application/x-ms-shortcut",
	"application/vnd.android.package-archive",
	"application/java-archive",
	"application/x-java-archive",
	"application/hta",
	"application/x-sh",
	"application/x-bat",
	// archives and disk images
	"application/zip",
	"application/x-zip",
	"application/x-zip-compressed",
	"application/x-rar-compressed",
	"application/vnd.rar",
	"application/x-7z-compressed",
	"application/x-tar",
	"application/gzip",
	"application/x-gzip",
	"application/x-bzip2",
	"application/x-xz",
	"application/vnd.ms-cab-compressed",
	"application/x-iso9660-image",
	"application/x-apple-diskimage",
	// office documents
	"application/msword",
	"application/vnd.ms-excel",
	"application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"application/vnd.ms-word.document.macroenabled.12",
	"application/vnd.ms-excel.sheet.macroenabled.12",
	"application/vnd.ms-powerpoint.presentation.macroenabled.12",
	"application/rtf",
}

// extensions covers types the sniffing library does not register.
var extensions = map[string]string{
	"application/x-msdownload":    "exe",
	"application/x-msdos-program": "exe",
	"application/x-dosexec":       "exe",
	"application/x-executable":    "elf",
	"application/x-elf":           "elf",
	"application/x-sharedlib":     "so",
	"application/x-msi":           "msi",
	"application/x-ms-installer":  "msi",
	"application/hta":             "hta",
	"application/x-sh":            "sh",
	"application/x-bat":           "bat",
	"application/vnd.rar":         "rar",
	"application/x-gzip":          "gz",
}

// Denylist decides which responses are suspicious downloads.
type Denylist struct {
	types map[string]bool
}

// NewDenylist builds the default denylist plus extra content types.
func NewDenylist(extra ...string) *Denylist {
	d := &Denylist{types: make(map[string]bool, len(suspiciousTypes)+len(extra))}
	for _, t := range append(append([]string{}, suspiciousTypes...), extra...) {
		if t = normalize(t); t != "" {
			d.types[t] = true
		}
	}
	return d
}

// Match reports whether a response is a suspicious download and returns
// its media type. Generic binary responses are judged by their bytes.
func (d *Denylist) Match(contentType string, body []byte) (string, bool) {
	mt := normalize(contentType)
	if d.types[mt] {
		return mt, true
	}
	if mt == octetStream || mt == "" {
		if len(body) == 0 {
			return "", false
		}
		for m := mimetype.Detect(body); m != nil; m = m.Parent() {
			if sniffed := normalize(m.String()); d.types[sniffed] {
				return sniffed, true
			}
		}
	}
	return "", false
}

// Extension returns the file extension for a media type without the dot,
// sniffing body when the type is unknown.
func Extension(mediaType string, body []byte) string {
	if ext, ok := extensions[mediaType]; ok {
		return ext
	}
	if m := mimetype.Lookup(mediaType); m != nil && m.Extension() != "" {
		return strings.TrimPrefix(m.Extension(), ".")
	}
	if len(body) > 0 {
		if m := mimetype.Detect(body); m.Extension() != "" {
			return strings.TrimPrefix(m.Extension(), ".")
		}
	}
	return "bin"
}

func normalize(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// Interceptor turns responses into HttpResponse IoCs and, for denylisted
// content, SuspiciousFileDownload IoCs.
type Interceptor struct {
	Denylist *Denylist
	// DataLimit truncates HttpResponse bodies; <= 0 means the default.
	DataLimit int
}

// Intercept returns the payloads for one response, HttpResponse first.
func (i Interceptor) Intercept(resp *sandbox.Response) []ioc.Payload {
	if resp == nil {
		return nil
	}
	limit := i.DataLimit
	if limit <= 0 {
		limit = DefaultResponseDataLimit
	}
	data := resp.Body
	if len(data) > limit {
		data = data[:limit]
	}
	out := []ioc.Payload{ioc.HTTPResponse{
		Status: strconv.Itoa(resp.Status),
		URL:    resp.URL,
		Data:   string(data),
	}}

	deny := i.Denylist
	if deny == nil {
		deny = NewDenylist()
	}
	if mt, ok := deny.Match(resp.ContentType(), resp.Body); ok && len(resp.Body) > 0 {
		out = append(out, ioc.SuspiciousFileDownload{
			URL:       resp.URL,
			Extension: Extension(mt, resp.Body),
			Content:   append([]byte(nil), resp.Body...),
		})
	}
	return out
}
