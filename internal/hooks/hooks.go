package hooks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/malsmug/internal/bridge"
	"github.com/GriffinCanCode/malsmug/internal/ioc"
	"github.com/GriffinCanCode/malsmug/internal/logging"
	"github.com/GriffinCanCode/malsmug/internal/sandbox"
)

// ErrInstall wraps every reason the hook set could not be installed.
var ErrInstall = errors.New("hook installation failed")

// Target is the part of a session the hook set needs.
type Target interface {
	Capabilities() sandbox.Capabilities
	SetCapabilities(c sandbox.Capabilities)
	Callback(name string) (func(arg any), bool)
}

// Install wraps the session's capabilities so every call to an
// instrumented API, eval included, is reported through the callback
// exposed as names.Bridge.
func Install(ctx context.Context, t Target, names bridge.Names, log *logging.Logger) error {
	if log == nil {
		log = logging.NewNop()
	}
	cb, ok := t.Callback(names.Bridge)
	if !ok {
		return fmt.Errorf("%w: %w", ErrInstall, sandbox.ErrNoCallback)
	}

	r := &reporter{send: cb, log: log.Component("hooks")}
	current := t.Capabilities()
	t.SetCapabilities(sandbox.Capabilities{
		Storage:   storageHook{next: current.Storage, r: r},
		Cookies:   cookieHook{next: current.Cookies, r: r},
		Network:   networkHook{next: current.Network, r: r},
		Scripting: scriptingHook{next: current.Scripting, r: r},
		Timers:    timersHook{next: current.Timers, r: r},
		Events:    eventsHook{next: current.Events, r: r},
		Navigator: navigatorHook{next: current.Navigator, r: r},
		Mutations: mutationsHook{next: current.Mutations, r: r},
	})

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInstall, err)
	}
	r.log.Debug("hooks installed")
	return nil
}

// reporter delivers payloads to the bridge. A failing hook body is logged
// and swallowed so the wrapped call always proceeds.
type reporter struct {
	send func(arg any)
	log  *logging.Logger
}

func (r *reporter) emit(build func() ioc.Payload) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warn("hook failed", zap.Any("panic", rec))
		}
	}()
	r.send(ioc.New(build()))
}
