// Package lure provokes interaction-gated behavior: it types a marker value
// into every input of the loaded document and then submits every form.
package lure

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/malsmug/internal/logging"
	"github.com/GriffinCanCode/malsmug/internal/sandbox"
)

// InputPrefix starts every synthetic value; the input's index follows it.
const InputPrefix = "fake_input_from_sandbox_"

// Field is an element that accepts typed text.
type Field interface {
	Type(ctx context.Context, text string) error
}

// Form is an element that can be submitted.
type Form interface {
	Submit(ctx context.Context) error
}

// Page enumerates the elements the engine interacts with.
type Page interface {
	Inputs(ctx context.Context) ([]Field, error)
	Forms(ctx context.Context) ([]Form, error)
}

// Report counts what one pass touched.
type Report struct {
	Inputs int
	Forms  int
	Errors int
}

// Engine runs the lure pass.
type Engine struct {
	log *logging.Logger
}

// New creates an engine.
func New(log *logging.Logger) *Engine {
	if log == nil {
		log = logging.NewNop()
	}
	return &Engine{log: log.Component("lure")}
}

// Run fills every input, then submits every form, once. A failing element is
// logged and counted and the pass moves on to the next one.
func (e *Engine) Run(ctx context.Context, page Page) Report {
	var rep Report

	inputs, err := page.Inputs(ctx)
	if err != nil {
		e.log.Warn("failed to enumerate inputs", zap.Error(err))
		rep.Errors++
	}
	for i, in := range inputs {
		if err := in.Type(ctx, Marker(i)); err != nil {
			e.log.Warn("failed to fill input", zap.Int("index", i), zap.Error(err))
			rep.Errors++
			continue
		}
		rep.Inputs++
	}

	forms, err := page.Forms(ctx)
	if err != nil {
		e.log.Warn("failed to enumerate forms", zap.Error(err))
		rep.Errors++
	}
	for i, f := range forms {
		if err := f.Submit(ctx); err != nil {
			e.log.Warn("failed to submit form", zap.Int("index", i), zap.Error(err))
			rep.Errors++
			continue
		}
		rep.Forms++
	}

	e.log.Debug("lure finished",
		zap.Int("inputs", rep.Inputs),
		zap.Int("forms", rep.Forms),
		zap.Int("errors", rep.Errors))
	return rep
}

// Marker returns the synthetic value typed into the i-th input.
func Marker(i int) string {
	return fmt.Sprintf("%s%d", InputPrefix, i)
}

// SessionPage adapts a sandbox session.
type SessionPage struct {
	Session *sandbox.Session
}

func (p SessionPage) Inputs(ctx context.Context) ([]Field, error) {
	handles, err := p.Session.Query(ctx, "input")
	if err != nil {
		return nil, fmt.Errorf("query inputs: %w", err)
	}
	out := make([]Field, len(handles))
	for i, h := range handles {
		out[i] = h
	}
	return out, nil
}

func (p SessionPage) Forms(ctx context.Context) ([]Form, error) {
	handles, err := p.Session.Query(ctx, "form")
	if err != nil {
		return nil, fmt.Errorf("query forms: %w", err)
	}
	out := make([]Form, len(handles))
	for i, h := range handles {
		out[i] = h
	}
	return out, nil
}
