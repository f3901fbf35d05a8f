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

package cmd

import (
	"bytes"
	"testing"

	"github.com/pingcap/redoflow/pkg/version"
	"github.com/stretchr/testify/require"
)

func TestSubCommands(t *testing.T) {
	cmd := NewCmd()
	AddCommands(cmd)
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	require.ElementsMatch(t, []string{"cdc-extract", "cdc-apply", "initsync", "version"}, names)
}

func TestVersionCommand(t *testing.T) {
	cmd := NewCmd()
	AddCommands(cmd)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	require.Equal(t, version.GetRawInfo(), out.String())
}

func TestMissingProfileFails(t *testing.T) {
	cmd := NewCmd()
	AddCommands(cmd)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"cdc-apply", "--kafka-topic", "sales"})
	err := cmd.Execute()
	require.ErrorContains(t, err, "profile name is required")
}

func TestUnknownFlagFails(t *testing.T) {
	cmd := NewCmd()
	AddCommands(cmd)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"cdc-extract", "--bulkapply"})
	require.Error(t, cmd.Execute())
}
