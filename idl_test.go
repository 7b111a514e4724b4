package kiln

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDLIncludes(t *testing.T) {
	src := `
namespace js svc

include "common.thrift"
  include 'shared/types.thrift'
/*
include "commented.thrift"
*/
// include "also_commented.thrift" is not at the line start
const string s = "include \"nope.thrift\""
import "other.idl"
`
	assert.Equal(t, []string{
		"common.thrift",
		"shared/types.thrift",
		"other.idl",
	}, idlIncludes([]byte(src)))
}

func inputPaths(inputs []*Input) []string {
	var ret []string
	for _, in := range inputs {
		ret = append(ret, in.Path)
	}
	return ret
}

func TestIDLResolver(t *testing.T) {
	root := t.TempDir()
	writeTestFiles(t, root, map[string]string{
		"svc/svc.thrift":     `include "types.thrift"` + "\n" + `include "base.thrift"`,
		"svc/types.thrift":   `include "base.thrift"`,
		"common/base.thrift": "struct Base {}",
	})

	r := &idlResolver{root: root, includeDirs: []string{"common"}}
	inputs, err := r.resolve([]string{"svc/svc.thrift"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"common/base.thrift",
		"svc/svc.thrift",
		"svc/types.thrift",
	}, inputPaths(inputs))
}

func TestIDLResolverSameDirFirst(t *testing.T) {
	root := t.TempDir()
	writeTestFiles(t, root, map[string]string{
		"svc/svc.thrift":     `include "base.thrift"`,
		"svc/base.thrift":    "struct Local {}",
		"common/base.thrift": "struct Common {}",
	})

	r := &idlResolver{root: root, includeDirs: []string{"common"}}
	inputs, err := r.resolve([]string{"svc/svc.thrift"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"svc/base.thrift", "svc/svc.thrift",
	}, inputPaths(inputs))
}

func TestIDLResolverUnresolved(t *testing.T) {
	root := t.TempDir()
	writeTestFiles(t, root, map[string]string{
		"svc/svc.thrift": `include "missing.thrift"`,
	})

	r := &idlResolver{root: root}
	_, err := r.resolve([]string{"svc/svc.thrift"})
	require.Error(t, err)
	assert.True(t, IsKind(err, UnresolvedImport))
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "missing.thrift", e.Name)
}

func TestIDLResolverEscape(t *testing.T) {
	root := t.TempDir()
	writeTestFiles(t, root, map[string]string{
		"svc.thrift": `include "../outside.thrift"`,
	})
	r := &idlResolver{root: root}
	_, err := r.resolve([]string{"svc.thrift"})
	assert.True(t, IsKind(err, UnresolvedImport))
}

func TestIDLResolverErrors(t *testing.T) {
	r := &idlResolver{root: t.TempDir()}

	_, err := r.resolve(nil)
	assert.True(t, IsKind(err, NoInputs))

	_, err = r.resolve([]string{"nope.thrift"})
	assert.True(t, IsKind(err, InputUnreadable))
}
