/*
Package resilience keeps the sandbox from hammering origins that are down.

Samples routinely point at dead infrastructure. Every outbound request made
on behalf of a sample goes through a per-host Breaker:

	Closed --[Trip]-> Open --[Cooldown]-> Half-Open --[Probes succeed]-> Closed
	                                          |
	                                      [failure]
	                                          v
	                                         Open

Usage:

	hosts := resilience.NewGroup(resilience.Settings{Cooldown: 10 * time.Second})
	resp, err := resilience.Call(hosts.Get(u.Host), func() (*Response, error) {
		return client.Get(u.String())
	})
*/
package resilience
