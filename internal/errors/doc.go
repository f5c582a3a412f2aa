// Package errors provides structured, actionable error messages for rupy.
//
// Every failure the daemon reports to an operator belongs to one of five
// categories:
//   - transport: socket faults, dropped connections, malformed requests
//   - control: flow-control signals that are not errors (chain halts)
//   - handler: failures raised by a deployed service while it runs
//   - deploy: upload, authentication and bundle loading failures
//   - startup: configuration and bind failures that stop the process
//
// # Error Codes
//
// Each error has a unique code (e.g., "R401") that maps to a short message,
// a longer explanation and the category. Startup errors are fatal: the CLI
// prints them with Format and exits non-zero.
//
// # Usage
//
//	err := errors.New("R501").
//	    WithDetail("listen tcp :8000: address already in use").
//	    WithSuggestion("Pick another port with --port")
//
//	fmt.Println(err.Format())
//	// Output:
//	// ERROR R501: Could not bind the request port
//	//
//	//   listen tcp :8000: address already in use
//	//
//	//   Hint: Pick another port with --port
package errors
