package kiln

import (
	"time"
)

// TaskConfig is the configuration record of a task invocation.
type TaskConfig struct {
	// GeneratorBackend selects the runtime the code is generated for,
	// such as "node".
	GeneratorBackend string `json:",omitempty"`

	// ToolExecutablePath overrides the default tool lookup.
	ToolExecutablePath string `json:",omitempty"`

	// ToolVersion skips probing the tool for its version.
	ToolVersion string `json:",omitempty"`

	TimeoutSeconds         int `json:",omitempty"`
	MaxCapturedOutputBytes int `json:",omitempty"`

	// AutoRuntimeDeps makes generated targets depend on the installed
	// dependencies of RuntimeModule.
	AutoRuntimeDeps bool   `json:",omitempty"`
	RuntimeModule   string `json:",omitempty"`
}

// Default task settings.
const (
	DefaultGeneratorBackend = "node"
	DefaultTimeoutSeconds   = 600
)

// Merge returns a copy of c with the non-zero fields of over applied.
// Either may be nil.
func (c *TaskConfig) Merge(over *TaskConfig) *TaskConfig {
	ret := new(TaskConfig)
	if c != nil {
		*ret = *c
	}
	if over == nil {
		return ret
	}
	if over.GeneratorBackend != "" {
		ret.GeneratorBackend = over.GeneratorBackend
	}
	if over.ToolExecutablePath != "" {
		ret.ToolExecutablePath = over.ToolExecutablePath
	}
	if over.ToolVersion != "" {
		ret.ToolVersion = over.ToolVersion
	}
	if over.TimeoutSeconds != 0 {
		ret.TimeoutSeconds = over.TimeoutSeconds
	}
	if over.MaxCapturedOutputBytes != 0 {
		ret.MaxCapturedOutputBytes = over.MaxCapturedOutputBytes
	}
	if over.AutoRuntimeDeps {
		ret.AutoRuntimeDeps = true
	}
	if over.RuntimeModule != "" {
		ret.RuntimeModule = over.RuntimeModule
	}
	return ret
}

func (c *TaskConfig) backend() string {
	if c.GeneratorBackend == "" {
		return DefaultGeneratorBackend
	}
	return c.GeneratorBackend
}

func (c *TaskConfig) timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *TaskConfig) maxOutput() int {
	if c.MaxCapturedOutputBytes == 0 {
		return DefaultMaxOutput
	}
	return c.MaxCapturedOutputBytes
}
