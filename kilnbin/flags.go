package kilnbin

import (
	"shanhu.io/kiln"
	"shanhu.io/misc/flagutil"
)

var cmdFlags = flagutil.NewFactory("kiln")

type buildFlags struct {
	config    *kiln.Config
	task      *kiln.TaskConfig
	workspace string
	container string
	pull      bool
}

func declareBuildFlags(flags *flagutil.FlagSet) *buildFlags {
	f := &buildFlags{
		config: new(kiln.Config),
		task:   new(kiln.TaskConfig),
	}
	c := f.config
	flags.StringVar(&c.Root, "root", ".", "workspace root directory")
	flags.StringVar(&c.Src, "src", "", "source directory")
	flags.StringVar(&c.Out, "out", "", "output directory for generated code")
	flags.StringVar(&c.Cache, "cache", "", "cache directory")
	flags.IntVar(&c.Jobs, "jobs", 0, "parallel jobs, 0 for the CPU count")
	flags.StringVar(
		&f.workspace, "workspace", kiln.WorkspaceFile,
		"workspace file, relative to the root directory",
	)
	flags.StringVar(
		&f.container, "container", "",
		"docker image to run the tools in",
	)
	flags.BoolVar(
		&f.pull, "pull", false,
		"pull the tool image and check its pinned digest first",
	)

	t := f.task
	flags.StringVar(&t.GeneratorBackend, "backend", "", "generator backend")
	flags.StringVar(&t.ToolExecutablePath, "tool", "", "tool executable")
	flags.StringVar(&t.ToolVersion, "tool_version", "", "pinned tool version")
	flags.IntVar(&t.TimeoutSeconds, "timeout", 0, "tool timeout in seconds")
	flags.IntVar(
		&t.MaxCapturedOutputBytes, "max_output", 0,
		"max captured bytes of each tool output stream",
	)
	return f
}
