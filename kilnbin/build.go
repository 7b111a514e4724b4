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

package kilnbin

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"

	"shanhu.io/kiln"
	"shanhu.io/misc/errcode"
	"shanhu.io/text/lexing"
	"shanhu.io/virgo/dock"
)

const defaultCacheDir = ".kiln-cache"

func newBuilder(f *buildFlags) (*kiln.Builder, error) {
	config := f.config
	ws, err := kiln.ReadWorkspace(filepath.Join(config.Root, f.workspace))
	if err != nil {
		return nil, err
	}
	ws.Apply(config)
	config.Task = config.Task.Merge(f.task)
	if config.Cache == "" {
		config.Cache = defaultCacheDir
	}

	image := f.container
	if image == "" {
		image = ws.Container
	}
	if image != "" {
		jobs := config.Jobs
		if jobs <= 0 {
			jobs = runtime.NumCPU()
		}
		client := dock.NewUnixClient("")
		if f.pull {
			sum, err := kiln.PullImage(client, image)
			if err != nil {
				return nil, errcode.Annotatef(err, "pull %q", image)
			}
			log.Printf("IMAGE %s (%s)", image, sum.Digest)
		}
		r := kiln.NewContainerRunner(client, image)
		config.Runner = kiln.NewBoundedRunner(r, jobs)
	}
	return kiln.NewBuilder(config)
}

func printErrs(errs []*lexing.Error) {
	wd, err := os.Getwd()
	if err != nil {
		wd = ""
	}
	lexing.FprintErrs(os.Stderr, errs, wd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func loadDir(b *kiln.Builder, dir string) ([]kiln.TargetID, error) {
	ids, errs := b.LoadDir(dir)
	if errs != nil {
		printErrs(errs)
		return nil, errcode.InvalidArgf("load got %d errors", len(errs))
	}
	if _, err := b.Graph().Validate(); err != nil {
		return nil, errcode.Annotate(err, "check build graph")
	}
	return ids, nil
}

// runDir runs the task of every target in dir that accepts it.
func runDir(
	args []string, name string, ok func(t *kiln.Target) bool,
	run func(ctx context.Context, b *kiln.Builder, id kiln.TargetID) (
		*kiln.Target, error,
	),
	show func(t *kiln.Target),
) error {
	flags := cmdFlags.New()
	bf := declareBuildFlags(flags)
	args = flags.ParseArgs(args)
	if len(args) != 1 {
		return errcode.InvalidArgf("%s needs exactly one directory", name)
	}

	b, err := newBuilder(bf)
	if err != nil {
		return err
	}
	defer b.Close()

	ids, err := loadDir(b, args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	n := 0
	for _, id := range ids {
		t, _ := b.Graph().Declared(id)
		if !ok(t) {
			continue
		}
		n++
		syn, err := run(ctx, b, id)
		if err != nil {
			return err
		}
		show(syn)
	}
	if n == 0 {
		return errcode.NotFoundf("nothing to %s in %q", name, args[0])
	}
	return nil
}

func showGenerated(t *kiln.Target) {
	fmt.Printf("%s %s (%d files)\n", t.ID, t.Fingerprint.Short(), len(t.Artifacts))
}

func showInstalled(t *kiln.Target) {
	fmt.Printf("%s %s\n", t.ID, t.Resource.Dir)
}

func cmdGen(args []string) error {
	return runDir(
		args, "gen",
		func(t *kiln.Target) bool { return t.Codegen != nil },
		func(ctx context.Context, b *kiln.Builder, id kiln.TargetID) (
			*kiln.Target, error,
		) {
			return b.Codegen(ctx, id, nil)
		},
		showGenerated,
	)
}

func cmdNodeInstall(args []string) error {
	return runDir(
		args, "node-install",
		func(t *kiln.Target) bool { return t.Module != nil },
		func(ctx context.Context, b *kiln.Builder, id kiln.TargetID) (
			*kiln.Target, error,
		) {
			return b.Install(ctx, id, nil)
		},
		showInstalled,
	)
}

func cmdResolve(args []string) error {
	flags := cmdFlags.New()
	bf := declareBuildFlags(flags)
	args = flags.ParseArgs(args)
	if len(args) == 0 {
		return errcode.InvalidArgf("no target to resolve")
	}

	b, err := newBuilder(bf)
	if err != nil {
		return err
	}
	defer b.Close()

	var ids []kiln.TargetID
	for _, arg := range args {
		ids = append(ids, kiln.TargetID(arg))
	}
	if errs := b.Load(ids); errs != nil {
		printErrs(errs)
		return errcode.InvalidArgf("load got %d errors", len(errs))
	}
	if _, err := b.Graph().Validate(); err != nil {
		return errcode.Annotate(err, "check build graph")
	}

	ctx, cancel := signalContext()
	defer cancel()

	res, err := b.Resolve(ctx, ids)
	if err != nil {
		return err
	}

	var got []string
	for id := range res {
		got = append(got, string(id))
	}
	sort.Strings(got)
	for _, id := range got {
		t := res[kiln.TargetID(id)]
		switch t.Kind {
		case kiln.KindGenerated:
			showGenerated(t)
		case kiln.KindInstalled:
			showInstalled(t)
		}
	}
	return nil
}
