// Copyright 2025 Edgeo SCADA
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

package bacnet

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrTimeout         = errors.New("request timed out")
	ErrNotConnected    = errors.New("client not connected")
	ErrAlreadyClosed   = errors.New("client already closed")
	ErrInvalidBVLC     = errors.New("invalid BVLC header")
	ErrInvalidNPDU     = errors.New("invalid NPDU header")
	ErrInvalidAPDU     = errors.New("invalid APDU")
	ErrMalformedTag    = errors.New("malformed tag")
	ErrUnsupportedTag  = errors.New("unsupported application tag")
	ErrInvalidObjectID = errors.New("invalid object identifier")
	ErrInvalidPriority = errors.New("invalid write priority")
	ErrNoFreeInvokeID  = errors.New("no free invoke id")
	ErrNotRegistered   = errors.New("not registered with BBMD")
)

// ErrorClass represents BACnet error classes
type ErrorClass uint8

const (
	ErrorClassDevice        ErrorClass = 0
	ErrorClassObject        ErrorClass = 1
	ErrorClassProperty      ErrorClass = 2
	ErrorClassResources     ErrorClass = 3
	ErrorClassSecurity      ErrorClass = 4
	ErrorClassServices      ErrorClass = 5
	ErrorClassVT            ErrorClass = 6
	ErrorClassCommunication ErrorClass = 7
)

func (c ErrorClass) String() string {
	names := map[ErrorClass]string{
		ErrorClassDevice:        "device",
		ErrorClassObject:        "object",
		ErrorClassProperty:      "property",
		ErrorClassResources:     "resources",
		ErrorClassSecurity:      "security",
		ErrorClassServices:      "services",
		ErrorClassVT:            "vt",
		ErrorClassCommunication: "communication",
	}
	if name, ok := names[c]; ok {
		return name
	}
	return fmt.Sprintf("error-class(%d)", uint8(c))
}

// ErrorCode represents BACnet error codes
type ErrorCode uint8

const (
	ErrorCodeOther                     ErrorCode = 0
	ErrorCodeDeviceBusy                ErrorCode = 3
	ErrorCodeInvalidDataType           ErrorCode = 9
	ErrorCodeNoObjectsOfSpecifiedType  ErrorCode = 17
	ErrorCodeOperationalProblem        ErrorCode = 25
	ErrorCodeReadAccessDenied          ErrorCode = 27
	ErrorCodeTimeout                   ErrorCode = 30
	ErrorCodeUnknownObject             ErrorCode = 31
	ErrorCodeUnknownProperty           ErrorCode = 32
	ErrorCodeValueOutOfRange           ErrorCode = 37
	ErrorCodeWriteAccessDenied         ErrorCode = 40
	ErrorCodeInvalidArrayIndex         ErrorCode = 42
	ErrorCodeNotConfiguredForTriggered ErrorCode = 78
	ErrorCodePropertyIsNotAnArray      ErrorCode = 50
)

func (c ErrorCode) String() string {
	names := map[ErrorCode]string{
		ErrorCodeOther:                    "other",
		ErrorCodeDeviceBusy:               "device-busy",
		ErrorCodeInvalidDataType:          "invalid-data-type",
		ErrorCodeNoObjectsOfSpecifiedType: "no-objects-of-specified-type",
		ErrorCodeOperationalProblem:       "operational-problem",
		ErrorCodeReadAccessDenied:         "read-access-denied",
		ErrorCodeTimeout:                  "timeout",
		ErrorCodeUnknownObject:            "unknown-object",
		ErrorCodeUnknownProperty:          "unknown-property",
		ErrorCodeValueOutOfRange:          "value-out-of-range",
		ErrorCodeWriteAccessDenied:        "write-access-denied",
		ErrorCodeInvalidArrayIndex:        "invalid-array-index",
		ErrorCodePropertyIsNotAnArray:     "property-is-not-an-array",
	}
	if name, ok := names[c]; ok {
		return name
	}
	return fmt.Sprintf("error-code(%d)", uint8(c))
}

// BACnetError is an Error APDU returned by a device, passed through verbatim.
type BACnetError struct {
	Class ErrorClass
	Code  ErrorCode
}

func (e *BACnetError) Error() string {
	return fmt.Sprintf("bacnet error: class=%s code=%s", e.Class, e.Code)
}

// Is allows errors.Is comparison against another *BACnetError.
func (e *BACnetError) Is(target error) bool {
	var other *BACnetError
	if errors.As(target, &other) {
		return e.Class == other.Class && e.Code == other.Code
	}
	return false
}

// RejectReason enumerates Reject APDU reasons.
type RejectReason uint8

const (
	RejectReasonOther                    RejectReason = 0
	RejectReasonBufferOverflow           RejectReason = 1
	RejectReasonInconsistentParameters   RejectReason = 2
	RejectReasonInvalidParameterDataType RejectReason = 3
	RejectReasonInvalidTag               RejectReason = 4
	RejectReasonMissingRequiredParameter RejectReason = 5
	RejectReasonParameterOutOfRange      RejectReason = 6
	RejectReasonTooManyArguments         RejectReason = 7
	RejectReasonUndefinedEnumeration     RejectReason = 8
	RejectReasonUnrecognizedService      RejectReason = 9
)

func (r RejectReason) String() string {
	names := map[RejectReason]string{
		RejectReasonOther:                    "other",
		RejectReasonBufferOverflow:           "buffer-overflow",
		RejectReasonInconsistentParameters:   "inconsistent-parameters",
		RejectReasonInvalidParameterDataType: "invalid-parameter-data-type",
		RejectReasonInvalidTag:               "invalid-tag",
		RejectReasonMissingRequiredParameter: "missing-required-parameter",
		RejectReasonParameterOutOfRange:      "parameter-out-of-range",
		RejectReasonTooManyArguments:         "too-many-arguments",
		RejectReasonUndefinedEnumeration:     "undefined-enumeration",
		RejectReasonUnrecognizedService:      "unrecognized-service",
	}
	if name, ok := names[r]; ok {
		return name
	}
	return fmt.Sprintf("reject-reason(%d)", uint8(r))
}

// RejectError is a Reject APDU returned by a device.
type RejectError struct {
	Reason RejectReason
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("request rejected: %s", e.Reason)
}

// AbortReason enumerates Abort APDU reasons.
type AbortReason uint8

const (
	AbortReasonOther                  AbortReason = 0
	AbortReasonBufferOverflow         AbortReason = 1
	AbortReasonInvalidAPDUInThisState AbortReason = 2
	AbortReasonPreemptedByHigherPrio  AbortReason = 3
	AbortReasonSegmentationNotSupp    AbortReason = 4
	AbortReasonSecurityError          AbortReason = 5
	AbortReasonInsufficientSecurity   AbortReason = 6
)

func (r AbortReason) String() string {
	names := map[AbortReason]string{
		AbortReasonOther:                  "other",
		AbortReasonBufferOverflow:         "buffer-overflow",
		AbortReasonInvalidAPDUInThisState: "invalid-apdu-in-this-state",
		AbortReasonPreemptedByHigherPrio:  "preempted-by-higher-priority-task",
		AbortReasonSegmentationNotSupp:    "segmentation-not-supported",
		AbortReasonSecurityError:          "security-error",
		AbortReasonInsufficientSecurity:   "insufficient-security",
	}
	if name, ok := names[r]; ok {
		return name
	}
	return fmt.Sprintf("abort-reason(%d)", uint8(r))
}

// AbortError is an Abort APDU returned by a device.
type AbortError struct {
	Reason AbortReason
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("request aborted: %s", e.Reason)
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsUnknownObject reports whether err is a device-side unknown-object error.
func IsUnknownObject(err error) bool {
	var be *BACnetError
	return errors.As(err, &be) && be.Class == ErrorClassObject && be.Code == ErrorCodeUnknownObject
}

// IsDeviceError extracts a device-side error from err, if any.
func IsDeviceError(err error) (*BACnetError, bool) {
	var be *BACnetError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
