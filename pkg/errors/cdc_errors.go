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
	"github.com/pingcap/errors"
)

// errors
var (
	// argument and configuration errors
	ErrInvalidArgument = errors.Normalize(
		"invalid argument: %s",
		errors.RFCCodeText("REDOFLOW:ErrInvalidArgument"),
	)
	ErrInvalidConfig = errors.Normalize(
		"invalid config, %s",
		errors.RFCCodeText("REDOFLOW:ErrInvalidConfig"),
	)
	ErrInvalidDBTriple = errors.Normalize(
		"invalid database credential triple %q, expected user/pass@host:port/db",
		errors.RFCCodeText("REDOFLOW:ErrInvalidDBTriple"),
	)
	ErrUnsupportedSource = errors.Normalize(
		"unsupported source database type %s",
		errors.RFCCodeText("REDOFLOW:ErrUnsupportedSource"),
	)
	ErrUnsupportedTarget = errors.Normalize(
		"unsupported target database type %s",
		errors.RFCCodeText("REDOFLOW:ErrUnsupportedTarget"),
	)
	ErrEmptyProfile = errors.Normalize(
		"no active objects found for profile %s version %d",
		errors.RFCCodeText("REDOFLOW:ErrEmptyProfile"),
	)
	ErrProcessInProgress = errors.Normalize(
		"process %s for profile %s version %d is already in progress (run id %d)",
		errors.RFCCodeText("REDOFLOW:ErrProcessInProgress"),
	)

	// redo parsing errors
	ErrUnsupportedSQL = errors.Normalize(
		"unsupported sql: %s",
		errors.RFCCodeText("REDOFLOW:ErrUnsupportedSQL"),
	)
	ErrMalformedRedo = errors.Normalize(
		"malformed redo for table %s: %s",
		errors.RFCCodeText("REDOFLOW:ErrMalformedRedo"),
	)

	// stream protocol errors
	ErrApplyProtocol = errors.Normalize(
		"stream protocol violation: %s",
		errors.RFCCodeText("REDOFLOW:ErrApplyProtocol"),
	)
	ErrUnknownRecordType = errors.Normalize(
		"unknown record type %q",
		errors.RFCCodeText("REDOFLOW:ErrUnknownRecordType"),
	)
	ErrMessageDecode = errors.Normalize(
		"decode message failed",
		errors.RFCCodeText("REDOFLOW:ErrMessageDecode"),
	)
	ErrMessageEncode = errors.Normalize(
		"encode message failed",
		errors.RFCCodeText("REDOFLOW:ErrMessageEncode"),
	)

	// transient I/O errors
	ErrKafkaProduce = errors.Normalize(
		"kafka produce failed",
		errors.RFCCodeText("REDOFLOW:ErrKafkaProduce"),
	)
	ErrKafkaConsume = errors.Normalize(
		"kafka consume failed",
		errors.RFCCodeText("REDOFLOW:ErrKafkaConsume"),
	)
	ErrKafkaCommit = errors.Normalize(
		"kafka commit offset %d failed",
		errors.RFCCodeText("REDOFLOW:ErrKafkaCommit"),
	)
	ErrKafkaNewClient = errors.Normalize(
		"new kafka client failed",
		errors.RFCCodeText("REDOFLOW:ErrKafkaNewClient"),
	)
	ErrAuditStore = errors.Normalize(
		"audit store operation %s failed",
		errors.RFCCodeText("REDOFLOW:ErrAuditStore"),
	)
	ErrTargetExecute = errors.Normalize(
		"execute statement on target failed",
		errors.RFCCodeText("REDOFLOW:ErrTargetExecute"),
	)
	ErrTargetCommit = errors.Normalize(
		"commit target transaction failed",
		errors.RFCCodeText("REDOFLOW:ErrTargetCommit"),
	)
	ErrSourceQuery = errors.Normalize(
		"query source database failed",
		errors.RFCCodeText("REDOFLOW:ErrSourceQuery"),
	)
	ErrDBConnect = errors.Normalize(
		"connect to %s database failed",
		errors.RFCCodeText("REDOFLOW:ErrDBConnect"),
	)

	// initsync errors
	ErrTableNotFound = errors.Normalize(
		"table %s not found in %s database",
		errors.RFCCodeText("REDOFLOW:ErrTableNotFound"),
	)
	ErrExtractTimeout = errors.Normalize(
		"no heartbeat from extractor of table %s within %s",
		errors.RFCCodeText("REDOFLOW:ErrExtractTimeout"),
	)
	ErrFifo = errors.Normalize(
		"named pipe %s failed",
		errors.RFCCodeText("REDOFLOW:ErrFifo"),
	)
	ErrInitSyncFailed = errors.Normalize(
		"initsync run %d finished with status %s",
		errors.RFCCodeText("REDOFLOW:ErrInitSyncFailed"),
	)

	// notification errors
	ErrSendMail = errors.Normalize(
		"send mail failed",
		errors.RFCCodeText("REDOFLOW:ErrSendMail"),
	)

	// lifecycle
	ErrRunKilled = errors.Normalize(
		"run killed by %s",
		errors.RFCCodeText("REDOFLOW:ErrRunKilled"),
	)
	ErrRetryExhausted = errors.Normalize(
		"retry exhausted after %d attempts",
		errors.RFCCodeText("REDOFLOW:ErrRetryExhausted"),
	)
)
