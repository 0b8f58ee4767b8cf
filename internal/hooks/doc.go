// Package hooks instruments a session.
//
// Install decorates the session's capabilities (storage, cookies, network,
// document.write and eval, timers, listeners, window.open and DOM
// insertions). The session keeps the intrinsic eval and hands the code of
// every eval call site to the Scripting capability, so direct eval keeps
// its caller's scope. Every decorator builds the
// matching IoC payload, hands it to the bridge callback and delegates with
// the same arguments; a failure inside a hook is logged and swallowed.
//
// Observe wires the passive feeds: console text and responses, the latter
// through an Interceptor that flags denylisted downloads.
package hooks
