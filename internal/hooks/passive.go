package hooks

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/malsmug/internal/ioc"
	"github.com/GriffinCanCode/malsmug/internal/logging"
	"github.com/GriffinCanCode/malsmug/internal/sandbox"
)

// Source is a session's passive event feed.
type Source interface {
	OnConsole(fn func(text string))
	OnResponse(fn func(resp *sandbox.Response))
}

// Observe reports console output as ConsoleLog and every response through
// the interceptor. It needs no bridge, so it runs before hooks are
// installed and also sees the origin's own navigation.
func Observe(src Source, icpt Interceptor, report func(ioc.IoC), log *logging.Logger) {
	if log == nil {
		log = logging.NewNop()
	}
	r := &reporter{send: func(arg any) { report(arg.(ioc.IoC)) }, log: log.Component("passive")}

	src.OnConsole(func(text string) {
		r.emit(func() ioc.Payload { return ioc.ConsoleLog{Text: text} })
	})
	src.OnResponse(func(resp *sandbox.Response) {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Warn("response interception failed", zap.Any("panic", rec))
			}
		}()
		for _, p := range icpt.Intercept(resp) {
			r.emit(func() ioc.Payload { return p })
		}
	})
}
