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

package errors

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"io"
	"net"
	"syscall"

	"github.com/pingcap/errors"
)

// Re-exported helpers so callers only need one errors import.
var (
	Trace     = errors.Trace
	Annotate  = errors.Annotate
	Annotatef = errors.Annotatef
	Errorf    = errors.Errorf
	New       = errors.New
	Cause     = errors.Cause
	Is        = stderrors.Is
	As        = stderrors.As
)

// MaxCommentLength is the longest comment persisted on an audit row.
const MaxCommentLength = 2000

// WrapError generates a new error based on given `*errors.Error`, wraps the err
// as cause error.
// If given `err` is nil, returns a nil error, which is different from the
// behavior of `rfcError.Wrap(err)`.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByArgs(args...)
}

// Kind classifies an error for the retry and reporting logic.
type Kind int

// Error kinds.
const (
	// KindTransient errors may succeed when the operation is retried.
	KindTransient Kind = iota
	// KindValidation errors are caused by bad arguments or configuration.
	KindValidation
	// KindUnsupported errors are raised for redo the parser cannot translate.
	KindUnsupported
	// KindProtocol errors are violations of the SOB/DATA/EOB framing.
	KindProtocol
	// KindFatal errors stop the program without retry.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindUnsupported:
		return "unsupported"
	case KindProtocol:
		return "protocol"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

var kindByCode = map[errors.RFCErrorCode]Kind{
	ErrInvalidArgument.RFCCode():   KindValidation,
	ErrInvalidConfig.RFCCode():     KindValidation,
	ErrInvalidDBTriple.RFCCode():   KindValidation,
	ErrUnsupportedSource.RFCCode(): KindValidation,
	ErrUnsupportedTarget.RFCCode(): KindValidation,
	ErrEmptyProfile.RFCCode():      KindValidation,
	ErrProcessInProgress.RFCCode(): KindValidation,

	ErrUnsupportedSQL.RFCCode(): KindUnsupported,
	ErrMalformedRedo.RFCCode():  KindUnsupported,

	ErrApplyProtocol.RFCCode():     KindProtocol,
	ErrUnknownRecordType.RFCCode(): KindProtocol,
	ErrMessageDecode.RFCCode():     KindProtocol,

	ErrRunKilled.RFCCode():      KindFatal,
	ErrRetryExhausted.RFCCode(): KindFatal,
	ErrInitSyncFailed.RFCCode(): KindFatal,
}

// KindOf returns the kind of err. Errors that are not part of the catalog are
// treated as transient: they are usually driver or network failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindTransient
	}
	for e := err; e != nil; e = next(e) {
		if rfc, ok := e.(*errors.Error); ok {
			if k, found := kindByCode[rfc.RFCCode()]; found {
				return k
			}
		}
		if e == context.Canceled {
			return KindFatal
		}
	}
	return KindTransient
}

// IsRetryable reports whether an operation that failed with err may be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == KindTransient
}

// IsConnectionError reports whether err indicates a broken database or
// network connection, after which the connection must be re-established.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, driver.ErrBadConn) || stderrors.Is(err, sql.ErrConnDone) ||
		stderrors.Is(err, io.ErrUnexpectedEOF) || stderrors.Is(err, io.EOF) ||
		stderrors.Is(err, syscall.ECONNRESET) || stderrors.Is(err, syscall.ECONNREFUSED) ||
		stderrors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}
	cause := errors.Cause(err)
	return cause != err && IsConnectionError(cause)
}

// TruncateComment shortens msg so that it fits into an audit comment column.
func TruncateComment(msg string) string {
	if len(msg) <= MaxCommentLength {
		return msg
	}
	return msg[:MaxCommentLength]
}

func next(err error) error {
	switch e := err.(type) {
	case interface{ Cause() error }:
		if c := e.Cause(); c != err {
			return c
		}
	case interface{ Unwrap() error }:
		return e.Unwrap()
	}
	return nil
}
