package sandbox

import (
	"net"
	"path/filepath"
	"strings"
)

// Op is a guarded operation class.
type Op int

const (
	OpResolve Op = iota + 1
	OpConnect
	OpListen
	OpAccept
	OpRead
	OpWrite
	OpDelete
	OpPlatform
)

var opNames = map[Op]string{
	OpResolve:  "resolve",
	OpConnect:  "connect",
	OpListen:   "listen",
	OpAccept:   "accept",
	OpRead:     "read",
	OpWrite:    "write",
	OpDelete:   "delete",
	OpPlatform: "platform",
}

// String returns the lower-case name of the operation.
func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return "unknown"
}

func (o Op) network() bool {
	return o == OpResolve || o == OpConnect || o == OpListen || o == OpAccept
}

func (o Op) file() bool {
	return o == OpRead || o == OpWrite || o == OpDelete
}

// Any matches every target of an operation.
const Any = "*"

// Platform permission names.
const (
	PlatformHTTPSClient = "https-client"
	PlatformReflection  = "reflection"
	PlatformWorkingDir  = "working-dir"
	PlatformProviders   = "providers"
)

// Permission grants one operation on a target.
//
// Network targets are "*", a host, a "*.suffix" wildcard or a host:port pair.
// File targets are "*", an exact path, "dir/*" for the direct children of dir
// or "dir/-" for dir and everything beneath it. Platform targets are names.
type Permission struct {
	Op     Op
	Target string
}

// String renders the permission as "op target".
func (p Permission) String() string {
	return p.Op.String() + " " + p.Target
}

func (p Permission) implies(op Op, target string) bool {
	if p.Op != op {
		return false
	}
	if p.Target == Any {
		return true
	}
	switch {
	case op.network():
		return matchNetwork(p.Target, target)
	case op.file():
		return matchPath(p.Target, target)
	default:
		return p.Target == target
	}
}

func matchNetwork(pattern, target string) bool {
	host, port := splitHostPort(target)
	phost, pport := splitHostPort(pattern)
	if pport != "" && pport != port {
		return false
	}
	if strings.HasPrefix(phost, "*.") {
		return strings.HasSuffix(host, phost[1:])
	}
	return strings.EqualFold(phost, host)
}

func splitHostPort(s string) (string, string) {
	if host, port, err := net.SplitHostPort(s); err == nil {
		return host, port
	}
	return strings.Trim(s, "[]"), ""
}

func matchPath(pattern, target string) bool {
	t := absPath(target)
	switch {
	case strings.HasSuffix(pattern, "/-"):
		dir := absPath(strings.TrimSuffix(pattern, "/-"))
		return t == dir || strings.HasPrefix(t, dir+string(filepath.Separator))
	case strings.HasSuffix(pattern, "/*"):
		dir := absPath(strings.TrimSuffix(pattern, "/*"))
		return filepath.Dir(t) == dir
	default:
		return t == absPath(pattern)
	}
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// Policy is an immutable permission set.
type Policy struct {
	name  string
	perms []Permission
}

// NewPolicy builds a policy from the given permissions.
func NewPolicy(name string, perms ...Permission) *Policy {
	cp := make([]Permission, len(perms))
	copy(cp, perms)
	return &Policy{name: name, perms: cp}
}

// Name returns the policy name ("deployer", "content", "hosted", ...).
func (p *Policy) Name() string {
	return p.name
}

// Permissions returns a copy of the granted permissions.
func (p *Policy) Permissions() []Permission {
	cp := make([]Permission, len(p.perms))
	copy(cp, p.perms)
	return cp
}

// Implies reports whether the policy grants op on target.
func (p *Policy) Implies(op Op, target string) bool {
	if p == nil {
		return false
	}
	for _, perm := range p.perms {
		if perm.implies(op, target) {
			return true
		}
	}
	return false
}

// ClusterGroup is the multicast group hosted code may use for cluster traffic.
const ClusterGroup = "224.2.2.3"

func platform() []Permission {
	return []Permission{
		{OpPlatform, PlatformHTTPSClient},
		{OpPlatform, PlatformReflection},
		{OpPlatform, PlatformWorkingDir},
		{OpPlatform, PlatformProviders},
	}
}

func tree(dir string) string {
	return filepath.ToSlash(filepath.Clean(dir)) + "/-"
}

// Unrestricted grants everything. It is used for services registered in
// process by the operator.
func Unrestricted() *Policy {
	perms := []Permission{}
	for op := range opNames {
		perms = append(perms, Permission{op, Any})
	}
	return NewPolicy("unrestricted", perms...)
}

// DeployerPolicy is the policy of the loader itself: any network access,
// read anywhere, write and delete below root.
func DeployerPolicy(root string) *Policy {
	return NewPolicy("deployer",
		Permission{OpListen, Any},
		Permission{OpAccept, Any},
		Permission{OpResolve, Any},
		Permission{OpConnect, Any},
		Permission{OpRead, Any},
		Permission{OpWrite, tree(root)},
		Permission{OpDelete, tree(root)},
	)
}

// ContentPolicy is used for the single bundle of a non-hosted daemon.
func ContentPolicy(contentRoot string) *Policy {
	perms := []Permission{
		{OpListen, Any},
		{OpAccept, Any},
		{OpResolve, Any},
		{OpConnect, Any},
		{OpRead, tree(contentRoot)},
	}
	return NewPolicy("content", append(perms, platform()...)...)
}

// HostedPolicy confines a tenant bundle to its own directory.
func HostedPolicy(tenantRoot, sharedRoot string) *Policy {
	perms := []Permission{
		{OpResolve, Any},
		{OpConnect, Any},
		{OpAccept, ClusterGroup},
		{OpConnect, ClusterGroup},
		{OpRead, tree(tenantRoot)},
		{OpWrite, tree(tenantRoot)},
		{OpDelete, tree(tenantRoot)},
	}
	if sharedRoot != "" {
		perms = append(perms, Permission{OpRead, tree(sharedRoot)})
	}
	return NewPolicy("hosted", append(perms, platform()...)...)
}
