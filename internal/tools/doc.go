// Package tools implements the tool catalog and the invocation broker.
//
// # Overview
//
// Agents advertise tools; callers invoke them by name without knowing where
// the owning agent lives. Two components cooperate:
//
//   - Registry: the catalog. Tool names are globally unique, each tool is owned
//     by exactly one agent, and every tool declares an input schema.
//   - Invoker: resolves a tool to its agent, validates arguments, sends a
//     correlated tools/invoke envelope over the agent's connection and waits
//     for the matching response, a timeout, or cancellation.
//
// # Invocation lifecycle
//
//  1. Look up the tool and validate the arguments against its schema
//  2. Resolve the owning agent's live connection
//  3. Record a pending invocation keyed by request ID and arm its timer
//  4. Send the envelope and wait
//
// Exactly one of response, timeout or cancellation resolves a pending
// invocation; whichever removes it from the pending table first wins and the
// others become no-ops.
//
// # Errors
//
// Registry operations return sentinel errors (ErrInvalidToolName,
// ErrDuplicateTool, ErrToolNotFound, ErrMissingRequiredArgument,
// ErrUnexpectedArgument). Invocation failures are never errors: Invoke always
// returns an InvocationResult and reports failures with Success == false.
//
// # Usage
//
//	registry := tools.NewRegistry(logger, broadcaster)
//	invoker := tools.NewInvoker(tools.InvokerConfig{
//		Registry: registry,
//		Resolver: manager.Resolve,
//	})
//	res := invoker.Invoke(ctx, tools.InvocationRequest{ToolName: "echo", Arguments: args})
package tools
