package config

// DefaultAddr is the default listen address for the WebSocket command channel.
const DefaultAddr = "127.0.0.1:7171"

// DefaultAPIBaseURL is the backend used when none is configured.
const DefaultAPIBaseURL = "http://127.0.0.1:8000/api/v1"

// DefaultWorkspace falls back to the current working directory.
const DefaultWorkspace = "."

const (
	DefaultRequestTimeoutMs = 60000
	DefaultAuthTimeoutMs    = 15000
	DefaultCommandRate      = 10
)

// Diff display modes.
const (
	DiffModeNative    = "native"
	DiffModeAnnotated = "annotated"
)

// DefaultChunkerCmd runs the chunking script from the working directory.
var DefaultChunkerCmd = []string{"python3", "code_chunker.py"}

// DefaultDiffCmd opens the editor's two-pane comparison.
var DefaultDiffCmd = []string{"code", "--diff", "{original}", "{modified}"}
