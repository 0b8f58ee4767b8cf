package sandbox

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/net/html"

	"github.com/GriffinCanCode/malsmug/internal/sandbox/dom"
)

// ErrNotForm is returned when Submit is called on a non-form element.
var ErrNotForm = errors.New("element is not a form")

// ElementHandle refers to one element of the session's current document.
type ElementHandle struct {
	s    *Session
	node *html.Node
}

// Query returns handles for the elements matching selector, CSS or XPath.
func (s *Session) Query(ctx context.Context, selector string) ([]*ElementHandle, error) {
	var handles []*ElementHandle
	err := s.do(ctx, func() error {
		nodes, err := s.doc.Query(selector)
		if err != nil {
			return err
		}
		handles = make([]*ElementHandle, len(nodes))
		for i, n := range nodes {
			handles[i] = &ElementHandle{s: s, node: n}
		}
		return nil
	})
	return handles, err
}

// Tag returns the lower-case tag name.
func (h *ElementHandle) Tag() string { return h.node.Data }

// Attr returns an attribute value.
func (h *ElementHandle) Attr(ctx context.Context, name string) (string, error) {
	var v string
	err := h.s.do(ctx, func() error {
		v = dom.Attr(h.node, name)
		return nil
	})
	return v, err
}

// Type appends text to the element's value and fires input and change, the
// way typing into a field would.
func (h *ElementHandle) Type(ctx context.Context, text string) error {
	return h.s.do(ctx, func() error {
		current := dom.Attr(h.node, "value")
		if h.node.Data == "textarea" {
			current = dom.Text(h.node)
		}
		h.s.setValue(h.node, current+text)
		h.s.dispatch(h.node, "input", false)
		h.s.dispatch(h.node, "change", false)
		return nil
	})
}

// Submit fires a cancelable submit event at the form and, unless a listener
// prevents it, sends the form.
func (h *ElementHandle) Submit(ctx context.Context) error {
	if h.node.Data != "form" {
		return fmt.Errorf("submit <%s>: %w", h.node.Data, ErrNotForm)
	}
	return h.s.do(ctx, func() error {
		if prevented := h.s.dispatch(h.node, "submit", true); !prevented {
			h.s.submitForm(h.node)
		}
		return nil
	})
}
