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
	"fmt"
	"strings"

	"shanhu.io/misc/errcode"
	"shanhu.io/virgo/dock"
)

// ImageSum identifies the container image the tools run in.
type ImageSum struct {
	ID     string
	Digest string
}

func newImageSum(info *dock.ImageInfo, repo, prefer string) *ImageSum {
	sum := &ImageSum{ID: info.ID}

	var digests []string
	foundPrefered := false
	if repo != "" {
		digestPrefix := repo + "@"
		for _, d := range info.RepoDigests {
			if !strings.HasPrefix(d, digestPrefix) {
				continue
			}
			d = strings.TrimPrefix(d, digestPrefix)
			if d == prefer {
				foundPrefered = true
				break
			}
			digests = append(digests, d)
		}
	}

	if foundPrefered {
		sum.Digest = prefer
	} else if len(digests) > 0 {
		sum.Digest = digests[0]
	}
	return sum
}

// parseImageRef splits "repo:tag" or "repo@digest". The tag defaults to
// "latest". A registry port is not a tag.
func parseImageRef(ref string) (repo, tag, digest string) {
	if i := strings.Index(ref, "@"); i >= 0 {
		ref, digest = ref[:i], ref[i+1:]
	}
	repo, tag = ref, "latest"
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		repo, tag = ref[:i], ref[i+1:]
	}
	return repo, tag, digest
}

// PullImage pulls the tool image and checks its digest when the
// reference pins one. A pinned image is tagged with its tag so that
// containers are created from the verified image.
func PullImage(client *dock.Client, ref string) (*ImageSum, error) {
	repo, tag, digest := parseImageRef(ref)

	from := repo + ":" + tag
	pullTag := tag
	if digest != "" {
		from = fmt.Sprintf("%s@%s", repo, digest)
		pullTag = digest
	}

	if err := dock.PullImage(client, repo, pullTag); err != nil {
		return nil, errcode.Annotate(err, "pull image")
	}
	if digest != "" {
		if err := dock.TagImage(client, from, repo, tag); err != nil {
			return nil, errcode.Annotate(err, "tag image")
		}
	}
	info, err := dock.InspectImage(client, from)
	if err != nil {
		return nil, errcode.Annotate(err, "inspect image")
	}

	sum := newImageSum(info, repo, digest)
	if sum.Digest == "" {
		return nil, fmt.Errorf("no digest found for %q", from)
	}
	if digest != "" && sum.Digest != digest {
		return nil, fmt.Errorf(
			"digest mismatch, got %q, want %q", sum.Digest, digest,
		)
	}
	return sum, nil
}
