// Package units registers the handler kinds bundles can instantiate.
//
// Import it for its side effect:
//
//	import _ "github.com/rupy-dev/rupy/pkg/units"
//
// Kinds:
//
//	text      params body, type, code
//	redirect  params location, code
//	echo      writes the method, path and parsed query back
//	counter   counts requests per session
//	file      params file; read through the bundle sandbox
//	fetch     params url; fetched with the sandbox HTTP client
//	stream    params count, interval (ms), body; a push stream of ticks
package units
