// Package runex provides a dynamic code execution engine: compile and run
// untrusted code snippets at runtime under a security policy.
//
// # Overview
//
// runex compiles source text into cached modules and executes them with
// zero default capabilities. Filesystem, network, and other host access
// must be explicitly enabled, and every execution is bounded by the
// policy's time cap and undoable as one transaction.
//
// # Basic Usage
//
//	eng, _ := engine.New()
//	defer eng.Close()
//
//	// One-shot execution
//	result := eng.Run(ctx, "return 1 + 1")
//	fmt.Println(result.Value) // 2
//
//	// Session with persistent state
//	session := eng.NewSession()
//	session.Run(ctx, "x = 42")
//	session.Run(ctx, "x") // 42
//
// # Enabling Capabilities
//
//	// HTTP access
//	eng, _ := engine.New(
//	    engine.WithPolicy(policy), // policy.AllowNetworkAccess = true
//	    engine.WithHTTP(hostfunc.HTTPConfig{AllowedHosts: []string{"api.example.com"}}))
//
//	// Filesystem access
//	eng, _ := engine.New(
//	    engine.WithMounts([]hostfunc.Mount{
//	        {VirtualPath: "/data", HostPath: "./input", Mode: hostfunc.MountReadOnly},
//	    }))
//
// See the [engine], [security], [compiler], [schedule], and [hostfunc]
// packages for detailed API documentation.
package runex
