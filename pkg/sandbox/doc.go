// Package sandbox implements the capability tokens that bound what deployed
// code may do.
//
// A Policy is an immutable set of permissions. A Context pairs a Policy with
// the name of its owner (the root server, the content bundle, or one hosted
// tenant) and exposes the only sanctioned way for service code to reach the
// network and the file system:
//
//	sb := sandbox.New("example.com", sandbox.HostedPolicy("app/example.com", "res"))
//	data, err := sb.ReadFile("app/example.com/index.html")
//	client := sb.HTTPClient()
//
// Every operation is checked against the policy before it is attempted. A
// denied operation fails with a *DeniedError, which matches ErrDenied.
// Contexts are created once per owner and are never widened.
package sandbox
