// Package events provides the in-process event side-channel of the broker.
//
// The tool registry and the tool invoker publish lifecycle events here so
// that observers (metrics, the invocation history, tests) can follow what
// happens without being part of the call path:
//
//	tool:registered       a tool was added to the catalog
//	tool:unregistered     a tool was removed from the catalog
//	invocation:started    an invocation envelope is about to be sent to an agent
//	invocation:completed  an invocation is no longer pending
//	invocation:failed     an invocation failed inside the broker
//
// Every invocation has exactly one outcome event with Final set. Dispatched
// tells invocations that reached an agent apart from those rejected up front.
//
// Subscribers never block a publisher: one whose buffer is full misses
// events. Consumers that must see everything, such as the history recorder
// and the metrics, register a hook with AddHook instead; hooks run
// synchronously on the publishing goroutine.
package events
