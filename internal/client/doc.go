// Package client is a Go client for the broker's WebSocket JSON-RPC endpoint.
//
// A Client is used both by agents, which register tools and answer
// tools/invoke through an InvocationHandler, and by callers, which list and
// invoke tools:
//
//	c, err := client.Dial(ctx, "ws://localhost:8080/ws", client.Options{
//	    AgentID: "echo-agent",
//	    Handler: func(ctx context.Context, name string, args map[string]any) (any, error) {
//	        return map[string]any{"echo": args["message"]}, nil
//	    },
//	})
//	...
//	_, err = c.RegisterTools(ctx, echoTool)
//
// Broker-side JSON-RPC errors are returned as *protocol.Error. A failed tool
// invocation is not an error: it is an InvocationResult with Success false.
package client
