package ioc

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Payload is the kind-specific body of an IoC. The unexported marker keeps
// the union closed to this package; a type switch over the concrete types
// below is exhaustive.
type Payload interface {
	Kind() Kind
	isPayload()
}

// HTTPRequest is emitted by fetch, XMLHttpRequest.open/send and window.open.
type HTTPRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
	Data   string `json:"data"`
}

// HTTPResponse is emitted for every response the session receives.
type HTTPResponse struct {
	Status string `json:"status"`
	URL    string `json:"url"`
	Data   string `json:"data"`
}

// FunctionCall records a call to an instrumented function.
type FunctionCall struct {
	Callee    string   `json:"callee"`
	Arguments []string `json:"arguments"`
}

// NewNetworkHTMLElement records the insertion of an element that can issue
// network requests on its own.
type NewNetworkHTMLElement struct {
	ElementType string `json:"elementType"`
	Src         string `json:"src"`
}

type SetCookie struct {
	Cookie string `json:"cookie"`
}

type GetCookie struct {
	Cookie string `json:"cookie"`
}

type ConsoleLog struct {
	Text string `json:"text"`
}

type AddEventListener struct {
	Listener string `json:"listener"`
}

// SetTimeout records a one-shot deferred callback. Delay is in milliseconds
// as requested by the sample, before any capping.
type SetTimeout struct {
	Delay     int64    `json:"delay"`
	Arguments []string `json:"arguments"`
}

// SuspiciousFileDownload carries the full body of a response whose content
// type is on the download denylist.
type SuspiciousFileDownload struct {
	URL       string `json:"url"`
	Extension string `json:"extension"`
	Content   []byte `json:"content"`
}

func (HTTPRequest) Kind() Kind            { return KindHTTPRequest }
func (HTTPResponse) Kind() Kind           { return KindHTTPResponse }
func (FunctionCall) Kind() Kind           { return KindFunctionCall }
func (NewNetworkHTMLElement) Kind() Kind  { return KindNewNetworkHTMLElement }
func (SetCookie) Kind() Kind              { return KindSetCookie }
func (GetCookie) Kind() Kind              { return KindGetCookie }
func (ConsoleLog) Kind() Kind             { return KindConsoleLog }
func (AddEventListener) Kind() Kind       { return KindAddEventListener }
func (SetTimeout) Kind() Kind             { return KindSetTimeout }
func (SuspiciousFileDownload) Kind() Kind { return KindSuspiciousFileDownload }

func (HTTPRequest) isPayload()            {}
func (HTTPResponse) isPayload()           {}
func (FunctionCall) isPayload()           {}
func (NewNetworkHTMLElement) isPayload()  {}
func (SetCookie) isPayload()              {}
func (GetCookie) isPayload()              {}
func (ConsoleLog) isPayload()             {}
func (AddEventListener) isPayload()       {}
func (SetTimeout) isPayload()             {}
func (SuspiciousFileDownload) isPayload() {}

// DecodePayload parses the JSON body of a payload of the given kind.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	switch kind {
	case KindHTTPRequest:
		return decodeInto[HTTPRequest](raw)
	case KindHTTPResponse:
		return decodeInto[HTTPResponse](raw)
	case KindFunctionCall:
		return decodeInto[FunctionCall](raw)
	case KindNewNetworkHTMLElement:
		return decodeInto[NewNetworkHTMLElement](raw)
	case KindSetCookie:
		return decodeInto[SetCookie](raw)
	case KindGetCookie:
		return decodeInto[GetCookie](raw)
	case KindConsoleLog:
		return decodeInto[ConsoleLog](raw)
	case KindAddEventListener:
		return decodeInto[AddEventListener](raw)
	case KindSetTimeout:
		return decodeInto[SetTimeout](raw)
	case KindSuspiciousFileDownload:
		return decodeInto[SuspiciousFileDownload](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func decodeInto[T Payload](raw []byte) (Payload, error) {
	var p T
	if err := sonic.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", p.Kind(), err)
	}
	return p, nil
}
