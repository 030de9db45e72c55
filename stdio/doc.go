// Package stdio serves the line protocol over a single stream pair,
// stdin/stdout by default. It is intended for embedding servers as
// subprocesses, local development, and environments where piping JSON
// lines is simpler than running a socket server.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 peer
//	Framing          : newline-delimited, one JSON object per line
//	Dispatch         : in-process worker pool unless a queue is supplied
//
// Options allow supplying an alternate io.Reader / io.Writer or a
// custom logger.
//
// Example:
//
//	m := methods.FromHandlers(map[string]methods.HandlerFunc{
//	    "echo": func(ctx context.Context, call *methods.Call) ([]any, error) {
//	        return call.Params, nil
//	    },
//	})
//	h := stdio.NewHandler(m)
//	if err := h.Serve(context.Background()); err != nil { log.Fatal(err) }
//
// For serving many peers concurrently prefer the TCP server in package
// rpcserver; both drive the same dispatch engine.
package stdio
