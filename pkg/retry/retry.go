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

package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/pingcap/errors"
	cerror "github.com/pingcap/redoflow/pkg/errors"
)

// Do execute the specified function.
// By default, it retries infinitely until it succeeds or got canceled.
func Do(ctx context.Context, operation func() error, opts ...Option) error {
	retryOption := setOptions(opts...)
	return run(ctx, operation, retryOption)
}

func setOptions(opts ...Option) *retryOptions {
	retryOption := newRetryOptions()
	for _, opt := range opts {
		opt(retryOption)
	}
	return retryOption
}

func run(ctx context.Context, op func() error, retryOption *retryOptions) error {
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	default:
	}

	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	try := 0
	backOff := time.Duration(0)
	for {
		err := op()
		if err == nil {
			return nil
		}

		if !retryOption.isRetryable(err) {
			return err
		}

		try++
		if float64(try) >= retryOption.maxTries {
			return cerror.ErrRetryExhausted.Wrap(err).GenWithStackByArgs(try)
		}
		retryOption.onRetry(try, err)

		backOff = getBackoffInMs(retryOption, try)
		if t == nil {
			t = time.NewTimer(backOff)
		} else {
			t.Reset(backOff)
		}

		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-t.C:
		}
	}
}

// getBackoffInMs returns the duration to wait before next try
// See https://www.awsarchitectureblog.com/2015/03/backoff.html
func getBackoffInMs(o *retryOptions, try int) time.Duration {
	if o.fixedDelay {
		return time.Duration(o.backoffBase) * time.Millisecond
	}
	temp := int64(math.Min(o.backoffCap, o.backoffBase*math.Exp2(float64(try)))) / 2
	if temp <= 0 {
		temp = 1
	}
	sleep := (temp + rand.Int63n(temp)) * int64(time.Millisecond)
	return time.Duration(sleep)
}
