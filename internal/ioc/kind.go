package ioc

// Kind identifies one observable event class. The set is closed: every
// Kind has exactly one Payload type and DecodePayload switches over all of
// them.
type Kind string

const (
	KindHTTPRequest            Kind = "http_request"
	KindHTTPResponse           Kind = "http_response"
	KindFunctionCall           Kind = "function_call"
	KindNewNetworkHTMLElement  Kind = "new_html_element"
	KindSetCookie              Kind = "set_cookie"
	KindGetCookie              Kind = "get_cookie"
	KindConsoleLog             Kind = "console_log"
	KindAddEventListener       Kind = "add_event_listener"
	KindSetTimeout             Kind = "set_timeout"
	KindSuspiciousFileDownload Kind = "suspicious_file_download"
)

var allKinds = []Kind{
	KindHTTPRequest,
	KindHTTPResponse,
	KindFunctionCall,
	KindNewNetworkHTMLElement,
	KindSetCookie,
	KindGetCookie,
	KindConsoleLog,
	KindAddEventListener,
	KindSetTimeout,
	KindSuspiciousFileDownload,
}

// Kinds returns every known kind in declaration order.
func Kinds() []Kind {
	return append([]Kind(nil), allKinds...)
}

// Valid reports whether k is part of the taxonomy.
func (k Kind) Valid() bool {
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}
	return false
}

func (k Kind) String() string { return string(k) }
