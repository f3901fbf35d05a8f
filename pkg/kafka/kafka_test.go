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

package kafka

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartOffset(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		committed int64
		hint      int64
		seekToEnd bool
		expected  int64
	}{
		{name: "committed wins", committed: 10, hint: 5, expected: 10},
		{name: "committed zero", committed: 0, hint: 5, expected: 0},
		{name: "hint without committed", committed: OffsetNone, hint: 7, expected: 7},
		{name: "nothing known", committed: OffsetNone, hint: 0, expected: OffsetEarliest},
		{name: "seek to end", committed: 10, hint: 5, seekToEnd: true, expected: OffsetLatest},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.expected, StartOffset(tc.committed, tc.hint, tc.seekToEnd), tc.name)
	}
}

func TestOptionsValidate(t *testing.T) {
	t.Parallel()

	o := NewOptions()
	require.Error(t, o.Validate())
	o.Brokers = []string{"127.0.0.1:9092", "127.0.0.2:9092"}
	require.Error(t, o.Validate())
	o.Topic = "cdc"
	require.NoError(t, o.Validate())
	require.Equal(t, "127.0.0.1:9092,127.0.0.2:9092", o.bootstrapServers())
	o.Client = "librdkafka"
	require.Error(t, o.Validate())
}
