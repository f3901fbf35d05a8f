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

package lifecycle

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestHandler(t *testing.T) (*Handler, context.Context, chan int) {
	h, ctx := NewHandler(context.Background())
	codes := make(chan int, 1)
	h.exit = func(code int) { codes <- code }
	go h.loop()
	return h, ctx, codes
}

func TestSignalRunsHooksAndExits(t *testing.T) {
	defer goleak.VerifyNone(t)

	h, ctx, codes := newTestHandler(t)
	var got []os.Signal
	h.OnKill(func(_ context.Context, sig os.Signal) { got = append(got, sig) })

	h.sigs <- syscall.SIGTERM
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not canceled")
	}
	h.Done()
	require.Equal(t, int(syscall.SIGTERM), <-codes)
	require.Equal(t, []os.Signal{syscall.SIGTERM}, got)
}

func TestSecondSignalForcesExit(t *testing.T) {
	defer goleak.VerifyNone(t)

	h, ctx, codes := newTestHandler(t)
	h.sigs <- syscall.SIGINT
	<-ctx.Done()
	h.sigs <- syscall.SIGINT
	require.Equal(t, int(syscall.SIGINT), <-codes)
}

func TestDoneWithoutSignal(t *testing.T) {
	defer goleak.VerifyNone(t)

	h, ctx, codes := newTestHandler(t)
	h.Done()
	h.Done()
	require.Eventually(t, func() bool {
		select {
		case <-codes:
			return false
		default:
		}
		return ctx.Err() == nil
	}, time.Second, 10*time.Millisecond)
}
