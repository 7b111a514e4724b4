package kiln

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSatisfies(t *testing.T) {
	for _, test := range []struct {
		spec, ver string
		want      bool
	}{
		{"1.0.0", "1.0.0", true},
		{"1.0.0", "1.0.1", false},
		{"^1.2.0", "1.9.3", true},
		{"^1.2.0", "2.0.0", false},
		{"~1.2.0", "1.2.9", true},
		{">=1 <3", "2.5.0", true},
		{"*", "9.9.9", true},
		{"latest", "0.0.1", true},
		{"", "0.0.1", true},
		{"npm:string-width@^4.2.0", "4.2.3", true},
		{"npm:string-width@^4.2.0", "5.0.0", false},
		{"github:user/repo#abc", "github:user/repo#abc", true},
		{"file:../lib", "file:../lib", true},
		{"^1.0.0", "git+https://example.com/x.git", false},
	} {
		got := satisfies(test.spec, test.ver)
		assert.Equal(t, test.want, got, "%q vs %q", test.spec, test.ver)
	}
}

func TestCheckLock(t *testing.T) {
	m := &Manifest{
		Dependencies:    map[string]string{"left-pad": "^1.0.0"},
		DevDependencies: map[string]string{"jest": "29.0.0"},
	}
	good := &LockInfo{
		Root: map[string]string{
			"left-pad": "^1.0.0",
			"jest":     "29.0.0",
		},
		Resolved: map[string]string{"left-pad": "1.3.0", "jest": "29.0.0"},
	}
	require.NoError(t, checkLock(m, good))

	for _, test := range []struct {
		name string
		lock *LockInfo
	}{
		{"extra", &LockInfo{
			Root: map[string]string{
				"left-pad": "^1.0.0", "jest": "29.0.0", "lodash": "4",
			},
			Resolved: good.Resolved,
		}},
		{"not locked", &LockInfo{
			Root:     map[string]string{"left-pad": "^1.0.0"},
			Resolved: good.Resolved,
		}},
		{"specifier", &LockInfo{
			Root:     map[string]string{"left-pad": "^2.0.0", "jest": "29.0.0"},
			Resolved: good.Resolved,
		}},
		{"no version", &LockInfo{
			Resolved: map[string]string{"left-pad": "1.3.0"},
		}},
		{"unsatisfied", &LockInfo{
			Resolved: map[string]string{"left-pad": "2.0.0", "jest": "29.0.0"},
		}},
	} {
		err := checkLock(m, test.lock)
		assert.True(t, IsKind(err, LockfileMismatch), test.name)
	}
}

func TestNpmParseLockV3(t *testing.T) {
	lock := `{
  "name": "app",
  "lockfileVersion": 3,
  "packages": {
    "": {
      "name": "app",
      "dependencies": {"left-pad": "^1.0.0", "a": "1.0.0"},
      "devDependencies": {"@s/b": "~2.0.0"}
    },
    "node_modules/left-pad": {"version": "1.3.0"},
    "node_modules/a": {"version": "1.0.0"},
    "node_modules/a/node_modules/left-pad": {"version": "0.9.0"},
    "node_modules/@s/b": {"version": "2.0.4"},
    "node_modules/c/node_modules/d": {"version": "3.0.0"},
    "node_modules/linked": {"link": true}
  }
}`
	info, err := npmManager{}.ParseLock([]byte(lock), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"left-pad": "^1.0.0",
		"a":        "1.0.0",
		"@s/b":     "~2.0.0",
	}, info.Root)
	assert.Equal(t, map[string]string{
		"left-pad": "1.3.0",
		"a":        "1.0.0",
		"@s/b":     "2.0.4",
	}, info.Resolved)
	assert.Equal(t, "1.3.0", info.Packages["left-pad"])
	assert.Equal(t, "3.0.0", info.Packages["d"])
	assert.NotContains(t, info.Packages, "linked")
}

func TestNpmParseLockV1(t *testing.T) {
	lock := `{
  "lockfileVersion": 1,
  "dependencies": {
    "a": {
      "version": "1.0.0",
      "dependencies": {"b": {"version": "2.0.0"}}
    }
  }
}`
	info, err := npmManager{}.ParseLock([]byte(lock), nil)
	require.NoError(t, err)
	assert.Nil(t, info.Root)
	assert.Equal(t, map[string]string{"a": "1.0.0"}, info.Resolved)
	assert.Equal(t, map[string]string{"a": "1.0.0", "b": "2.0.0"}, info.Packages)
}

func TestYarnParseLockClassic(t *testing.T) {
	lock := `# THIS IS AN AUTOGENERATED FILE. DO NOT EDIT THIS FILE DIRECTLY.
# yarn lockfile v1


"@s/b@^2.0.0":
  version "2.1.0"
  resolved "https://registry.yarnpkg.com/@s/b/-/b-2.1.0.tgz"

left-pad@^1.0.0, left-pad@^1.2.0:
  version "1.3.0"
  resolved "https://registry.yarnpkg.com/left-pad/-/left-pad-1.3.0.tgz"
  dependencies:
    other "1"
`
	m := &Manifest{Dependencies: map[string]string{
		"left-pad": "^1.2.0",
		"@s/b":     "^2.0.0",
	}}
	info, err := yarnManager{}.ParseLock([]byte(lock), m)
	require.NoError(t, err)
	assert.Nil(t, info.Root)
	assert.Equal(t, map[string]string{
		"left-pad": "1.3.0",
		"@s/b":     "2.1.0",
	}, info.Resolved)
	assert.Equal(t, info.Resolved, info.Packages)
	assert.NoError(t, checkLock(m, info))
}

func TestYarnParseLockClassicVersions(t *testing.T) {
	lock := `# yarn lockfile v1


ms@2.0.0:
  version "2.0.0"

ms@^2.1.1:
  version "2.1.3"

tool@git+https://example.com/tool.git:
  version "0.1.0"
`
	m := &Manifest{Dependencies: map[string]string{"ms": "^2.1.0"}}
	info, err := yarnManager{}.ParseLock([]byte(lock), m)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"ms": "2.1.3"}, info.Resolved)
	assert.Equal(t, map[string]string{"ms": "2.0.0"}, info.Packages)
	assert.NoError(t, checkLock(m, info))

	m.Dependencies["ms"] = "^3.0.0"
	info, err = yarnManager{}.ParseLock([]byte(lock), m)
	require.NoError(t, err)
	assert.True(t, IsKind(checkLock(m, info), LockfileMismatch))
}

func TestYarnParseLockBerry(t *testing.T) {
	lock := `__metadata:
  version: 6
  cacheKey: 8

"app@workspace:.":
  version: 0.0.0-use.local
  resolution: "app@workspace:."
  dependencies:
    left-pad: ^1.0.0
  languageName: unknown
  linkType: soft

"left-pad@npm:^1.0.0":
  version: 1.3.0
  resolution: "left-pad@npm:1.3.0"
  languageName: node
  linkType: hard
`
	m := &Manifest{Dependencies: map[string]string{"left-pad": "^1.0.0"}}
	info, err := yarnManager{}.ParseLock([]byte(lock), m)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"left-pad": "^1.0.0"}, info.Root)
	assert.Equal(t, map[string]string{"left-pad": "1.3.0"}, info.Resolved)
	assert.NoError(t, checkLock(m, info))

	m.Dependencies["left-pad"] = "^2.0.0"
	assert.True(t, IsKind(checkLock(m, info), LockfileMismatch))
}

func TestPnpmParseLock(t *testing.T) {
	lock := `lockfileVersion: '9.0'

importers:
  .:
    dependencies:
      left-pad:
        specifier: ^1.0.0
        version: 1.3.0
      react-dom:
        specifier: ^18.0.0
        version: 18.2.0(react@18.2.0)

packages:
  left-pad@1.3.0:
    resolution: {integrity: sha512-x}
  react-dom@18.2.0:
    resolution: {integrity: sha512-y}
  react@18.2.0:
    resolution: {integrity: sha512-z}
  '@s/b@2.0.0':
    resolution: {integrity: sha512-w}
`
	info, err := pnpmManager{}.ParseLock([]byte(lock), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"left-pad":  "^1.0.0",
		"react-dom": "^18.0.0",
	}, info.Root)
	assert.Equal(t, map[string]string{
		"left-pad":  "1.3.0",
		"react-dom": "18.2.0",
	}, info.Resolved)
	assert.Equal(t, map[string]string{
		"left-pad":  "1.3.0",
		"react-dom": "18.2.0",
		"react":     "18.2.0",
		"@s/b":      "2.0.0",
	}, info.Packages)
}

func TestPnpmParseLockV5(t *testing.T) {
	lock := `lockfileVersion: 5.4

specifiers:
  left-pad: ^1.0.0

dependencies:
  left-pad: 1.3.0

packages:
  /left-pad/1.3.0:
    resolution: {integrity: sha512-x}
  /@s/b/2.0.0_react@18.2.0:
    resolution: {integrity: sha512-y}
`
	info, err := pnpmManager{}.ParseLock([]byte(lock), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"left-pad": "^1.0.0"}, info.Root)
	assert.Equal(t, map[string]string{"left-pad": "1.3.0"}, info.Resolved)
	assert.Equal(t, "2.0.0", info.Packages["@s/b"])
}

func TestClassifyFailures(t *testing.T) {
	for _, test := range []struct {
		pm     PackageManager
		stderr string
		want   string
	}{
		{npmManager{}, "npm ERR! code ETIMEDOUT", CauseNetwork},
		{npmManager{}, "npm ERR! code E404\nnpm ERR! 404 Not Found", CauseResolution},
		{npmManager{}, "npm ERR! code ELIFECYCLE", CauseScript},
		{npmManager{}, "something odd", CauseUnknown},
		{yarnManager{}, `error Couldn't find any versions for "x"`, CauseResolution},
		{pnpmManager{}, "ERR_PNPM_META_FETCH_FAIL GET https://x", CauseNetwork},
	} {
		got := test.pm.Classify(nil, []byte(test.stderr))
		assert.Equal(t, test.want, got, test.stderr)
	}
}
