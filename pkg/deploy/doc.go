// Package deploy loads bundles of handler units into a running daemon.
//
// A bundle is a zip file. Entries ending in ".unit" are YAML descriptors
// naming a registered handler kind, the path and index the service is chained
// at, and free form params:
//
//	kind: text
//	path: /hello:/hi
//	index: 0
//	params:
//	  body: Hello
//
// A unit may extend another unit of the same bundle, inheriting every field
// it leaves empty. Units that never reach a registered kind, or that are
// marked abstract, are defined but not instantiated. Every other entry is
// extracted below <root>/<host>/ with its modification time.
//
// Handler kinds are compiled into the daemon:
//
//	deploy.Register("text", func(h *deploy.Handle) (server.Service, error) {
//	    return &Text{handle: h}, nil
//	})
//
// The Loader instantiates units inside the bundle's sandbox and installs the
// result with server.Install, which supersedes an older bundle of the same
// name. Service is the /deploy endpoint that accepts uploads authenticated
// with Hash, and Client is its counterpart.
package deploy
