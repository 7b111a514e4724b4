// Copyright (C) 2022  Shanhu Tech Inc.
//
// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published by the
// Free Software Foundation, either version 3 of the License, or (at your
// option) any later version.
//
// This program is distributed in the hope that it will be useful, but WITHOUT
// ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
// FITNESS FOR A PARTICULAR PURPOSE.  See the GNU Affero General Public License
// for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package kiln

import (
	"shanhu.io/misc/errcode"
	"shanhu.io/misc/jsonx"
	"shanhu.io/misc/osutil"
)

// WorkspaceFile is the name of the workspace file at the root directory.
const WorkspaceFile = "WORKSPACE.kiln"

// Workspace is the structure of the WORKSPACE.kiln file. It specifies the
// directories and the tools of a build.
type Workspace struct {
	Src   string `json:",omitempty"`
	Out   string `json:",omitempty"`
	Cache string `json:",omitempty"`

	// Jobs bounds the parallel tasks and tool invocations.
	Jobs int `json:",omitempty"`

	// Tools maps tool names, such as "thrift" or "npm", to executables.
	Tools map[string]string `json:",omitempty"`

	// Container is a docker image to run the tools in. Tools run on the
	// host when it is empty.
	Container string `json:",omitempty"`

	// Task is the default task config.
	Task *TaskConfig `json:",omitempty"`
}

// ReadWorkspace reads a workspace file. A missing file is an empty
// workspace.
func ReadWorkspace(f string) (*Workspace, error) {
	ws := new(Workspace)
	ok, err := osutil.IsRegular(f)
	if err != nil {
		return nil, errcode.Annotate(err, "check workspace file")
	}
	if !ok {
		return ws, nil
	}
	if err := jsonx.ReadFile(f, ws); err != nil {
		return nil, errcode.Annotate(err, "read workspace file")
	}
	return ws, nil
}

// Apply fills the unset fields of config with the workspace's settings.
func (ws *Workspace) Apply(config *Config) {
	if config.Src == "" {
		config.Src = ws.Src
	}
	if config.Out == "" {
		config.Out = ws.Out
	}
	if config.Cache == "" {
		config.Cache = ws.Cache
	}
	if config.Jobs == 0 {
		config.Jobs = ws.Jobs
	}
	if len(ws.Tools) > 0 {
		tools := make(map[string]string)
		for k, v := range ws.Tools {
			tools[k] = v
		}
		for k, v := range config.Tools {
			tools[k] = v
		}
		config.Tools = tools
	}
	config.Task = ws.Task.Merge(config.Task)
}
