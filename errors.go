// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coapasync

import "fmt"

// Recovery is the recommended recovery action for a Kind of error.
type Recovery uint8

const (
	RecoveryNone Recovery = iota
	RecoveryRecreateContext
	RecoveryUnknown
)

// Kind enumerates every error condition the engine can report. Each maps to
// exactly one Recovery action.
type Kind uint8

const (
	// Input-recoverable: the context is still usable, only the exchange
	// that produced the error is affected.
	KindUDPResetReceived Kind = iota
	KindMalformedMessage
	KindMalformedOptions
	KindBlockSizeRenegotiationInvalid
	KindTruncatedMessageReceived
	KindBlockSeqNumOverflow
	KindETagMismatch
	KindUnexpectedContinueResponse
	KindTimeout
	KindMoreDataRequired

	// User bugs: the context is still usable, but the caller violated an
	// API contract.
	KindSharedBufferInUse
	KindSocketAlreadySet
	KindPayloadWriterFailed

	// Runtime: context still usable.
	KindMessageTooBig
	KindTimeInvalid
	KindNotImplemented
	KindFeatureDisabled

	// Input-fatal: the transport connection must be recreated.
	KindConnectionClosed
	KindTCPAbort
	KindTCPCSMFailure

	// Library bug.
	KindAssertFailed

	// Other.
	KindExchangeCanceled

	// API-contract violations: unknown exchange ids, invalid arguments,
	// allocation failure.
	KindUnknownExchange
	KindInvalidArgument
	KindOutOfMemory
)

var recoveryByKind = map[Kind]Recovery{
	KindUDPResetReceived:              RecoveryNone,
	KindMalformedMessage:              RecoveryNone,
	KindMalformedOptions:              RecoveryNone,
	KindBlockSizeRenegotiationInvalid: RecoveryNone,
	KindTruncatedMessageReceived:      RecoveryNone,
	KindBlockSeqNumOverflow:           RecoveryNone,
	KindETagMismatch:                  RecoveryNone,
	KindUnexpectedContinueResponse:    RecoveryNone,
	KindTimeout:                       RecoveryNone,
	KindMoreDataRequired:              RecoveryNone,
	KindSharedBufferInUse:             RecoveryNone,
	KindSocketAlreadySet:              RecoveryNone,
	KindPayloadWriterFailed:           RecoveryNone,
	KindMessageTooBig:                 RecoveryNone,
	KindTimeInvalid:                   RecoveryNone,
	KindNotImplemented:                RecoveryNone,
	KindFeatureDisabled:               RecoveryNone,
	KindConnectionClosed:              RecoveryRecreateContext,
	KindTCPAbort:                      RecoveryRecreateContext,
	KindTCPCSMFailure:                 RecoveryRecreateContext,
	KindAssertFailed:                  RecoveryUnknown,
	KindExchangeCanceled:              RecoveryUnknown,
	KindUnknownExchange:               RecoveryNone,
	KindInvalidArgument:               RecoveryNone,
	KindOutOfMemory:                   RecoveryNone,
}

var kindNames = map[Kind]string{
	KindUDPResetReceived:              "udp_reset_received",
	KindMalformedMessage:              "malformed_message",
	KindMalformedOptions:              "malformed_options",
	KindBlockSizeRenegotiationInvalid: "block_size_renegotiation_invalid",
	KindTruncatedMessageReceived:      "truncated_message_received",
	KindBlockSeqNumOverflow:           "block_seq_num_overflow",
	KindETagMismatch:                  "etag_mismatch",
	KindUnexpectedContinueResponse:    "unexpected_continue_response",
	KindTimeout:                       "timeout",
	KindMoreDataRequired:              "more_data_required",
	KindSharedBufferInUse:             "shared_buffer_in_use",
	KindSocketAlreadySet:              "socket_already_set",
	KindPayloadWriterFailed:           "payload_writer_failed",
	KindMessageTooBig:                 "message_too_big",
	KindTimeInvalid:                   "time_invalid",
	KindNotImplemented:                "not_implemented",
	KindFeatureDisabled:               "feature_disabled",
	KindConnectionClosed:              "connection_closed",
	KindTCPAbort:                      "tcp_abort",
	KindTCPCSMFailure:                 "tcp_csm_failure",
	KindAssertFailed:                  "assert_failed",
	KindExchangeCanceled:              "exchange_canceled",
	KindUnknownExchange:               "unknown_exchange",
	KindInvalidArgument:               "invalid_argument",
	KindOutOfMemory:                   "out_of_memory",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown_error"
}

// CoapError is the error type returned from every engine entry point.
// It is comparable with errors.Is against the Kind-keyed sentinels below.
type CoapError struct {
	Kind   Kind
	Detail string
}

func (e *CoapError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Is lets errors.Is(err, ErrETagMismatch) work without comparing Detail.
func (e *CoapError) Is(target error) bool {
	t, ok := target.(*CoapError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Recovery returns the recommended recovery action for this error.
func (e *CoapError) Recovery() Recovery {
	return recoveryByKind[e.Kind]
}

func newErr(kind Kind, format string, args ...interface{}) *CoapError {
	return &CoapError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Sentinel errors for use with errors.Is. Detail is empty; compare by Kind.
var (
	ErrMalformedOptions          = &CoapError{Kind: KindMalformedOptions}
	ErrETagMismatch              = &CoapError{Kind: KindETagMismatch}
	ErrUnexpectedContinue        = &CoapError{Kind: KindUnexpectedContinueResponse}
	ErrBlockSeqNumOverflow       = &CoapError{Kind: KindBlockSeqNumOverflow}
	ErrBlockRenegotiationInvalid = &CoapError{Kind: KindBlockSizeRenegotiationInvalid}
	ErrMessageTooBig             = &CoapError{Kind: KindMessageTooBig}
	ErrNotImplemented            = &CoapError{Kind: KindNotImplemented}
	ErrSharedBufferInUse         = &CoapError{Kind: KindSharedBufferInUse}
	ErrExchangeCanceled          = &CoapError{Kind: KindExchangeCanceled}
	ErrUnknownExchange           = &CoapError{Kind: KindUnknownExchange}
	ErrInvalidArgument           = &CoapError{Kind: KindInvalidArgument}
	ErrOutOfMemory               = &CoapError{Kind: KindOutOfMemory}
)
