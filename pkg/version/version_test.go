// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReleaseSemver(t *testing.T) {
	cases := []struct{ releaseVersion, releaseSemver string }{
		{"None", ""},
		{"HEAD", ""},
		{"v1.2.0", "1.2.0"},
		{"v1.2.0-rc.1", "1.2.0-rc.1"},
		{"v1.2.0-14-g0123456", "1.2.0"},
		{"v1.2.0-14-g0123456-dirty", "1.2.0"},
	}
	saved := ReleaseVersion
	defer func() { ReleaseVersion = saved }()
	for _, c := range cases {
		ReleaseVersion = c.releaseVersion
		require.Equal(t, c.releaseSemver, ReleaseSemver(), "%v", c)
	}
}

func TestGetRawInfo(t *testing.T) {
	info := GetRawInfo()
	require.Contains(t, info, "Release Version: "+ReleaseVersion)
	require.Contains(t, info, "Go Version: ")
}
