package errors

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category Category
	Message  string
	Detail   string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Transport Errors (R100-R199)
	// ============================================

	"R101": {
		Category: CategoryTransport,
		Message:  "Connection dropped",
		Detail:   "The peer closed the connection or the socket failed while the request was in flight.",
	},
	"R102": {
		Category: CategoryTransport,
		Message:  "Malformed request",
		Detail:   "The request line or headers could not be parsed.",
	},
	"R103": {
		Category: CategoryTransport,
		Message:  "Connection idle too long",
		Detail:   "The heartbeat closed a connection that had no activity within the configured timeout.",
	},
	"R104": {
		Category: CategoryTransport,
		Message:  "Worker stuck",
		Detail:   "A worker spent longer than the configured delay on one event and its connection was closed.",
	},

	// ============================================
	// Control Signals (R200-R299)
	// ============================================

	"R201": {
		Category: CategoryControl,
		Message:  "Chain halted",
		Detail:   "A service stopped the dispatch chain and asked for the reply to be flushed.",
	},

	// ============================================
	// Handler Errors (R300-R399)
	// ============================================

	"R301": {
		Category: CategoryHandler,
		Message:  "Service failed",
		Detail:   "A service in the dispatch chain returned an error.",
	},
	"R302": {
		Category: CategoryHandler,
		Message:  "Service panicked",
		Detail:   "A service in the dispatch chain panicked. The panic was recovered and reported as a 500.",
	},
	"R303": {
		Category: CategoryHandler,
		Message:  "Capability denied",
		Detail:   "A service attempted an operation its sandbox policy does not grant.",
	},

	// ============================================
	// Deploy Errors (R400-R499)
	// ============================================

	"R401": {
		Category: CategoryDeploy,
		Message:  "Deploy rejected",
		Detail:   "The upload headers were missing or the bundle exceeded the size ceiling.",
	},
	"R402": {
		Category: CategoryDeploy,
		Message:  "Deploy authentication failed",
		Detail:   "The bundle hash did not match the expected value for the configured pass and nonce.",
	},
	"R403": {
		Category: CategoryDeploy,
		Message:  "Malformed bundle",
		Detail:   "The bundle could not be read or one of its units is invalid.",
	},
	"R404": {
		Category: CategoryDeploy,
		Message:  "Service conflict",
		Detail:   "Two services in the bundle claim the same path and index.",
	},
	"R405": {
		Category: CategoryDeploy,
		Message:  "Service index too high",
		Detail:   "A chain has a gap: a service index is larger than its position in the chain.",
	},
	"R406": {
		Category: CategoryDeploy,
		Message:  "Service create hook failed",
		Detail:   "A service returned an error from its create hook while the bundle was loading.",
	},

	// ============================================
	// Startup Errors (R500-R599)
	// ============================================

	"R501": {
		Category: CategoryStartup,
		Message:  "Could not bind the request port",
		Detail:   "The daemon could not listen on the configured address.",
	},
	"R502": {
		Category: CategoryStartup,
		Message:  "Invalid configuration",
		Detail:   "One or more configuration values are out of range.",
	},
	"R503": {
		Category: CategoryStartup,
		Message:  "Could not load configuration file",
		Detail:   "The configuration file could not be read or parsed as YAML.",
	},
}

// GetAllCodes returns all registered error codes.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}

// Register adds a new error template to the registry.
func Register(code string, template ErrorTemplate) {
	registry[code] = template
}
