package errors

// Stable error codes. Callers match on these rather than message text.
const (
	CodeManifestFetch     = "E100"
	CodeVersionParse      = "E101"
	CodeManifestInvariant = "E102"
	CodeUnknownModel      = "E103"
	CodeUpdateTimeout     = "E200"
	CodeProcessStart      = "E201"
	CodeProcessCrash      = "E202"
	CodeAlreadyUpdating   = "E203"
	CodeConfirmRequired   = "E204"
	CodeUnknownComponent  = "E205"
	CodeConfigLoad        = "E300"
	CodeHistoryStore      = "E301"
	CodeArtifactFetch     = "E400"
	CodeChecksumMismatch  = "E401"
	CodeArchiveExtract    = "E402"
)

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category   Category
	Message    string
	Suggestion string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Manifest Errors (E100-E199)
	// ============================================

	CodeManifestFetch: {
		Category:   CategoryManifest,
		Message:    "Manifest fetch failed",
		Suggestion: "Check network connectivity and the manifest URL. The previously loaded manifest remains in use.",
	},
	CodeVersionParse: {
		Category:   CategoryVersion,
		Message:    "Version string could not be parsed",
		Suggestion: "Versions must be dotted numeric strings with an optional leading 'v', e.g. v0.1.2.",
	},
	CodeManifestInvariant: {
		Category:   CategoryManifest,
		Message:    "Manifest references an unknown inference client",
		Suggestion: "The manifest publisher must add the missing inference_clients entry.",
	},
	CodeUnknownModel: {
		Category:   CategoryManifest,
		Message:    "Model not present in manifest",
		Suggestion: "Run model-list to see available models.",
	},

	// ============================================
	// Update and Process Errors (E200-E299)
	// ============================================

	CodeUpdateTimeout: {
		Category:   CategoryUpdate,
		Message:    "Update verification timed out",
		Suggestion: "The component did not become ready within the update budget. It has been restarted on its previous version.",
	},
	CodeProcessStart: {
		Category:   CategoryProcess,
		Message:    "Process failed to start",
		Suggestion: "Check the component logs for startup errors.",
	},
	CodeProcessCrash: {
		Category:   CategoryProcess,
		Message:    "Process exited unexpectedly",
		Suggestion: "The process crashed during an operation. Check the component logs.",
	},
	CodeAlreadyUpdating: {
		Category:   CategoryUpdate,
		Message:    "An update for this component is already in progress",
		Suggestion: "Wait for the in-flight update to finish before retrying.",
	},
	CodeConfirmRequired: {
		Category:   CategoryUpdate,
		Message:    "Confirmation required",
		Suggestion: "Re-run the command with --confirm to apply the change.",
	},
	CodeUnknownComponent: {
		Category:   CategoryUpdate,
		Message:    "Unknown component",
		Suggestion: "Valid components are bootstrap, hypervisor, cli, inference-client, and model.",
	},

	// ============================================
	// Config and Storage Errors (E300-E399)
	// ============================================

	CodeConfigLoad: {
		Category: CategoryConfig,
		Message:  "Station config could not be loaded or saved",
	},
	CodeHistoryStore: {
		Category: CategoryStorage,
		Message:  "Update history could not be recorded",
	},

	// ============================================
	// Fetch Errors (E400-E499)
	// ============================================

	CodeArtifactFetch: {
		Category:   CategoryFetch,
		Message:    "Artifact download failed",
		Suggestion: "Check network connectivity and the artifact URL from the manifest.",
	},
	CodeChecksumMismatch: {
		Category:   CategoryFetch,
		Message:    "Artifact checksum mismatch",
		Suggestion: "The downloaded file does not match the manifest digest. Retry the download.",
	},
	CodeArchiveExtract: {
		Category: CategoryFetch,
		Message:  "Artifact archive could not be extracted",
	},
}
