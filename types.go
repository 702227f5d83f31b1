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

// Package bacnet implements a BACnet/IP and BACnet MS/TP client core:
// device discovery (Who-Is/I-Am), object discovery, and property
// read/write, optionally through a BBMD as a registered foreign device.
package bacnet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// DefaultPort is the standard BACnet/IP UDP port.
const DefaultPort = 47808

// MaxAPDULength is the maximum APDU length for BACnet/IP.
const MaxAPDULength = 1476

// MaxInstance is the largest valid object instance number (22 bits).
const MaxInstance = 0x3FFFFF

// MaxObjectType is the largest valid object type number (10 bits).
const MaxObjectType = 0x3FF

// GlobalBroadcastNetwork is the DNET value addressing every network.
const GlobalBroadcastNetwork = 0xFFFF

// BVLC Types (BACnet Virtual Link Control)
type BVLCType uint8

const (
	BVLCTypeBACnetIP BVLCType = 0x81
)

// BVLC Functions
type BVLCFunction uint8

const (
	BVLCResult                            BVLCFunction = 0x00
	BVLCWriteBroadcastDistributionTable   BVLCFunction = 0x01
	BVLCReadBroadcastDistributionTable    BVLCFunction = 0x02
	BVLCReadBroadcastDistributionTableAck BVLCFunction = 0x03
	BVLCForwardedNPDU                     BVLCFunction = 0x04
	BVLCRegisterForeignDevice             BVLCFunction = 0x05
	BVLCReadForeignDeviceTable            BVLCFunction = 0x06
	BVLCReadForeignDeviceTableAck         BVLCFunction = 0x07
	BVLCDeleteForeignDeviceTableEntry     BVLCFunction = 0x08
	BVLCDistributeBroadcastToNetwork      BVLCFunction = 0x09
	BVLCOriginalUnicastNPDU               BVLCFunction = 0x0A
	BVLCOriginalBroadcastNPDU             BVLCFunction = 0x0B
)

// BVLC result codes carried by a BVLC-Result message.
const (
	BVLCResultSuccess                  uint16 = 0x0000
	BVLCResultRegisterForeignDeviceNAK uint16 = 0x0030
	BVLCResultDistributeBroadcastNAK   uint16 = 0x0060
)

// NPDU Network Layer Protocol Control Information
type NPDUControl uint8

const (
	NPDUControlNetworkLayerMessage NPDUControl = 0x80
	NPDUControlDestSpecifier       NPDUControl = 0x20
	NPDUControlSourceSpecifier     NPDUControl = 0x08
	NPDUControlExpectingReply      NPDUControl = 0x04
	NPDUControlPriorityNormal      NPDUControl = 0x00
	NPDUControlPriorityUrgent      NPDUControl = 0x01
	NPDUControlPriorityCritical    NPDUControl = 0x02
	NPDUControlPriorityLifeSafety  NPDUControl = 0x03
)

// PDU Types (Application Layer)
type PDUType uint8

const (
	PDUTypeConfirmedRequest   PDUType = 0x00
	PDUTypeUnconfirmedRequest PDUType = 0x10
	PDUTypeSimpleAck          PDUType = 0x20
	PDUTypeComplexAck         PDUType = 0x30
	PDUTypeSegmentAck         PDUType = 0x40
	PDUTypeError              PDUType = 0x50
	PDUTypeReject             PDUType = 0x60
	PDUTypeAbort              PDUType = 0x70
)

// Confirmed Service Choices
type ConfirmedServiceChoice uint8

const (
	ServiceSubscribeCOV         ConfirmedServiceChoice = 5
	ServiceAtomicReadFile       ConfirmedServiceChoice = 6
	ServiceAtomicWriteFile      ConfirmedServiceChoice = 7
	ServiceReadProperty         ConfirmedServiceChoice = 12
	ServiceReadPropertyMultiple ConfirmedServiceChoice = 14
	ServiceWriteProperty        ConfirmedServiceChoice = 15
	ServiceReinitializeDevice   ConfirmedServiceChoice = 20
	ServiceReadRange            ConfirmedServiceChoice = 26
)

func (s ConfirmedServiceChoice) String() string {
	names := map[ConfirmedServiceChoice]string{
		ServiceSubscribeCOV:         "SubscribeCOV",
		ServiceAtomicReadFile:       "AtomicReadFile",
		ServiceAtomicWriteFile:      "AtomicWriteFile",
		ServiceReadProperty:         "ReadProperty",
		ServiceReadPropertyMultiple: "ReadPropertyMultiple",
		ServiceWriteProperty:        "WriteProperty",
		ServiceReinitializeDevice:   "ReinitializeDevice",
		ServiceReadRange:            "ReadRange",
	}
	if name, ok := names[s]; ok {
		return name
	}
	return fmt.Sprintf("confirmed-service(%d)", uint8(s))
}

// Unconfirmed Service Choices
type UnconfirmedServiceChoice uint8

const (
	ServiceIAm                    UnconfirmedServiceChoice = 0
	ServiceIHave                  UnconfirmedServiceChoice = 1
	ServiceUnconfirmedCOV         UnconfirmedServiceChoice = 2
	ServiceTimeSynchronization    UnconfirmedServiceChoice = 6
	ServiceWhoHas                 UnconfirmedServiceChoice = 7
	ServiceWhoIs                  UnconfirmedServiceChoice = 8
	ServiceUTCTimeSynchronization UnconfirmedServiceChoice = 9
)

func (s UnconfirmedServiceChoice) String() string {
	names := map[UnconfirmedServiceChoice]string{
		ServiceIAm:                    "I-Am",
		ServiceIHave:                  "I-Have",
		ServiceUnconfirmedCOV:         "UnconfirmedCOVNotification",
		ServiceTimeSynchronization:    "TimeSynchronization",
		ServiceWhoHas:                 "Who-Has",
		ServiceWhoIs:                  "Who-Is",
		ServiceUTCTimeSynchronization: "UTCTimeSynchronization",
	}
	if name, ok := names[s]; ok {
		return name
	}
	return fmt.Sprintf("unconfirmed-service(%d)", uint8(s))
}

// ObjectType represents BACnet object types
type ObjectType uint16

const (
	ObjectTypeAnalogInput       ObjectType = 0
	ObjectTypeAnalogOutput      ObjectType = 1
	ObjectTypeAnalogValue       ObjectType = 2
	ObjectTypeBinaryInput       ObjectType = 3
	ObjectTypeBinaryOutput      ObjectType = 4
	ObjectTypeBinaryValue       ObjectType = 5
	ObjectTypeCalendar          ObjectType = 6
	ObjectTypeCommand           ObjectType = 7
	ObjectTypeDevice            ObjectType = 8
	ObjectTypeFile              ObjectType = 10
	ObjectTypeLoop              ObjectType = 12
	ObjectTypeMultiStateInput   ObjectType = 13
	ObjectTypeMultiStateOutput  ObjectType = 14
	ObjectTypeNotificationClass ObjectType = 15
	ObjectTypeProgram           ObjectType = 16
	ObjectTypeSchedule          ObjectType = 17
	ObjectTypeMultiStateValue   ObjectType = 19
	ObjectTypeTrendLog          ObjectType = 20
	ObjectTypeAccumulator       ObjectType = 23
	ObjectTypeNetworkPort       ObjectType = 56
)

func (o ObjectType) String() string {
	names := map[ObjectType]string{
		ObjectTypeAnalogInput:       "analog-input",
		ObjectTypeAnalogOutput:      "analog-output",
		ObjectTypeAnalogValue:       "analog-value",
		ObjectTypeBinaryInput:       "binary-input",
		ObjectTypeBinaryOutput:      "binary-output",
		ObjectTypeBinaryValue:       "binary-value",
		ObjectTypeCalendar:          "calendar",
		ObjectTypeCommand:           "command",
		ObjectTypeDevice:            "device",
		ObjectTypeFile:              "file",
		ObjectTypeLoop:              "loop",
		ObjectTypeMultiStateInput:   "multi-state-input",
		ObjectTypeMultiStateOutput:  "multi-state-output",
		ObjectTypeNotificationClass: "notification-class",
		ObjectTypeProgram:           "program",
		ObjectTypeSchedule:          "schedule",
		ObjectTypeMultiStateValue:   "multi-state-value",
		ObjectTypeTrendLog:          "trend-log",
		ObjectTypeAccumulator:       "accumulator",
		ObjectTypeNetworkPort:       "network-port",
	}
	if name, ok := names[o]; ok {
		return name
	}
	return fmt.Sprintf("vendor-specific(%d)", uint16(o))
}

// ParseObjectType parses a string to ObjectType
func ParseObjectType(s string) (ObjectType, bool) {
	types := map[string]ObjectType{
		"analog-input":       ObjectTypeAnalogInput,
		"ai":                 ObjectTypeAnalogInput,
		"analog-output":      ObjectTypeAnalogOutput,
		"ao":                 ObjectTypeAnalogOutput,
		"analog-value":       ObjectTypeAnalogValue,
		"av":                 ObjectTypeAnalogValue,
		"binary-input":       ObjectTypeBinaryInput,
		"bi":                 ObjectTypeBinaryInput,
		"binary-output":      ObjectTypeBinaryOutput,
		"bo":                 ObjectTypeBinaryOutput,
		"binary-value":       ObjectTypeBinaryValue,
		"bv":                 ObjectTypeBinaryValue,
		"device":             ObjectTypeDevice,
		"dev":                ObjectTypeDevice,
		"multi-state-input":  ObjectTypeMultiStateInput,
		"msi":                ObjectTypeMultiStateInput,
		"multi-state-output": ObjectTypeMultiStateOutput,
		"mso":                ObjectTypeMultiStateOutput,
		"multi-state-value":  ObjectTypeMultiStateValue,
		"msv":                ObjectTypeMultiStateValue,
		"schedule":           ObjectTypeSchedule,
		"sch":                ObjectTypeSchedule,
		"trend-log":          ObjectTypeTrendLog,
		"tl":                 ObjectTypeTrendLog,
		"calendar":           ObjectTypeCalendar,
		"cal":                ObjectTypeCalendar,
		"notification-class": ObjectTypeNotificationClass,
		"nc":                 ObjectTypeNotificationClass,
		"file":               ObjectTypeFile,
		"loop":               ObjectTypeLoop,
		"program":            ObjectTypeProgram,
		"prg":                ObjectTypeProgram,
	}
	if t, ok := types[s]; ok {
		return t, true
	}
	return 0, false
}

// PropertyIdentifier represents BACnet property identifiers
type PropertyIdentifier uint32

const (
	PropertyApduTimeout                PropertyIdentifier = 11
	PropertyApplicationSoftwareVersion PropertyIdentifier = 12
	PropertyDescription                PropertyIdentifier = 28
	PropertyDeviceType                 PropertyIdentifier = 31
	PropertyEventState                 PropertyIdentifier = 36
	PropertyFirmwareRevision           PropertyIdentifier = 44
	PropertyHighLimit                  PropertyIdentifier = 45
	PropertyLocation                   PropertyIdentifier = 58
	PropertyLowLimit                   PropertyIdentifier = 59
	PropertyMaxApduLengthAccepted      PropertyIdentifier = 62
	PropertyModelName                  PropertyIdentifier = 70
	PropertyNumberOfApduRetries        PropertyIdentifier = 73
	PropertyObjectIdentifier           PropertyIdentifier = 75
	PropertyObjectList                 PropertyIdentifier = 76
	PropertyObjectName                 PropertyIdentifier = 77
	PropertyObjectType                 PropertyIdentifier = 79
	PropertyOutOfService               PropertyIdentifier = 81
	PropertyPresentValue               PropertyIdentifier = 85
	PropertyPriorityArray              PropertyIdentifier = 87
	PropertyProtocolVersion            PropertyIdentifier = 98
	PropertyRelinquishDefault          PropertyIdentifier = 104
	PropertySegmentationSupported      PropertyIdentifier = 107
	PropertyStatusFlags                PropertyIdentifier = 111
	PropertySystemStatus               PropertyIdentifier = 112
	PropertyUnits                      PropertyIdentifier = 117
	PropertyVendorIdentifier           PropertyIdentifier = 120
	PropertyVendorName                 PropertyIdentifier = 121
	PropertyProtocolRevision           PropertyIdentifier = 139
	PropertyDatabaseRevision           PropertyIdentifier = 155
)

func (p PropertyIdentifier) String() string {
	names := map[PropertyIdentifier]string{
		PropertyApduTimeout:                "apdu-timeout",
		PropertyApplicationSoftwareVersion: "application-software-version",
		PropertyDescription:                "description",
		PropertyDeviceType:                 "device-type",
		PropertyEventState:                 "event-state",
		PropertyFirmwareRevision:           "firmware-revision",
		PropertyHighLimit:                  "high-limit",
		PropertyLocation:                   "location",
		PropertyLowLimit:                   "low-limit",
		PropertyMaxApduLengthAccepted:      "max-apdu-length-accepted",
		PropertyModelName:                  "model-name",
		PropertyNumberOfApduRetries:        "number-of-apdu-retries",
		PropertyObjectIdentifier:           "object-identifier",
		PropertyObjectList:                 "object-list",
		PropertyObjectName:                 "object-name",
		PropertyObjectType:                 "object-type",
		PropertyOutOfService:               "out-of-service",
		PropertyPresentValue:               "present-value",
		PropertyPriorityArray:              "priority-array",
		PropertyProtocolVersion:            "protocol-version",
		PropertyRelinquishDefault:          "relinquish-default",
		PropertySegmentationSupported:      "segmentation-supported",
		PropertyStatusFlags:                "status-flags",
		PropertySystemStatus:               "system-status",
		PropertyUnits:                      "units",
		PropertyVendorIdentifier:           "vendor-identifier",
		PropertyVendorName:                 "vendor-name",
		PropertyProtocolRevision:           "protocol-revision",
		PropertyDatabaseRevision:           "database-revision",
	}
	if name, ok := names[p]; ok {
		return name
	}
	return fmt.Sprintf("property(%d)", uint32(p))
}

// ParsePropertyIdentifier parses a string to PropertyIdentifier
func ParsePropertyIdentifier(s string) (PropertyIdentifier, bool) {
	props := map[string]PropertyIdentifier{
		"object-identifier":            PropertyObjectIdentifier,
		"oid":                          PropertyObjectIdentifier,
		"object-name":                  PropertyObjectName,
		"name":                         PropertyObjectName,
		"object-type":                  PropertyObjectType,
		"type":                         PropertyObjectType,
		"object-list":                  PropertyObjectList,
		"present-value":                PropertyPresentValue,
		"pv":                           PropertyPresentValue,
		"description":                  PropertyDescription,
		"desc":                         PropertyDescription,
		"status-flags":                 PropertyStatusFlags,
		"sf":                           PropertyStatusFlags,
		"out-of-service":               PropertyOutOfService,
		"oos":                          PropertyOutOfService,
		"units":                        PropertyUnits,
		"priority-array":               PropertyPriorityArray,
		"pa":                           PropertyPriorityArray,
		"relinquish-default":           PropertyRelinquishDefault,
		"rd":                           PropertyRelinquishDefault,
		"vendor-name":                  PropertyVendorName,
		"vendor-identifier":            PropertyVendorIdentifier,
		"model-name":                   PropertyModelName,
		"firmware-revision":            PropertyFirmwareRevision,
		"application-software-version": PropertyApplicationSoftwareVersion,
		"protocol-version":             PropertyProtocolVersion,
		"protocol-revision":            PropertyProtocolRevision,
		"system-status":                PropertySystemStatus,
		"database-revision":            PropertyDatabaseRevision,
		"high-limit":                   PropertyHighLimit,
		"low-limit":                    PropertyLowLimit,
	}
	if p, ok := props[s]; ok {
		return p, true
	}
	return 0, false
}

// ObjectIdentifier represents a BACnet object identifier (type + instance)
type ObjectIdentifier struct {
	Type     ObjectType
	Instance uint32
}

// NewObjectIdentifier creates a new ObjectIdentifier
func NewObjectIdentifier(objectType ObjectType, instance uint32) ObjectIdentifier {
	return ObjectIdentifier{
		Type:     objectType,
		Instance: instance,
	}
}

// Valid reports whether type and instance fit their wire fields.
func (o ObjectIdentifier) Valid() error {
	if o.Type > MaxObjectType {
		return fmt.Errorf("%w: object type %d exceeds %d", ErrInvalidObjectID, o.Type, MaxObjectType)
	}
	if o.Instance > MaxInstance {
		return fmt.Errorf("%w: instance %d exceeds %d", ErrInvalidObjectID, o.Instance, MaxInstance)
	}
	return nil
}

// Encode encodes the object identifier to a 4-byte value
func (o ObjectIdentifier) Encode() uint32 {
	return (uint32(o.Type) << 22) | (o.Instance & MaxInstance)
}

// DecodeObjectIdentifier decodes a 4-byte value to an ObjectIdentifier
func DecodeObjectIdentifier(value uint32) ObjectIdentifier {
	return ObjectIdentifier{
		Type:     ObjectType((value >> 22) & MaxObjectType),
		Instance: value & MaxInstance,
	}
}

func (o ObjectIdentifier) String() string {
	return fmt.Sprintf("%s:%d", o.Type.String(), o.Instance)
}

// Segmentation represents the BACnet segmentation capability
type Segmentation uint8

const (
	SegmentationBoth     Segmentation = 0
	SegmentationTransmit Segmentation = 1
	SegmentationReceive  Segmentation = 2
	SegmentationNone     Segmentation = 3
)

func (s Segmentation) String() string {
	names := map[Segmentation]string{
		SegmentationBoth:     "segmented-both",
		SegmentationTransmit: "segmented-transmit",
		SegmentationReceive:  "segmented-receive",
		SegmentationNone:     "no-segmentation",
	}
	if name, ok := names[s]; ok {
		return name
	}
	return fmt.Sprintf("segmentation(%d)", uint8(s))
}

// Address identifies a BACnet target: a directly reachable IP endpoint
// (6-byte MAC: 4-byte IPv4 + 2-byte big-endian port), an MS/TP station
// (1-byte MAC), or a station behind a routed network (Net != 0 with the
// remote MAC). An empty Addr is a broadcast: Net == 0xFFFF reaches every
// network, Net == 0 the local one.
type Address struct {
	Net  uint16
	Addr []byte
}

// NewIPAddress builds an Address from an IPv4 endpoint.
func NewIPAddress(ip net.IP, port int) Address {
	mac := make([]byte, 6)
	copy(mac, ip.To4())
	binary.BigEndian.PutUint16(mac[4:], uint16(port))
	return Address{Addr: mac}
}

// NewMSTPAddress builds an Address from an MS/TP station MAC.
func NewMSTPAddress(mac byte, network uint16) Address {
	return Address{Net: network, Addr: []byte{mac}}
}

// GlobalBroadcast returns the address reaching every BACnet network.
func GlobalBroadcast() Address {
	return Address{Net: GlobalBroadcastNetwork}
}

// LocalBroadcast returns the local-network broadcast address.
func LocalBroadcast() Address {
	return Address{}
}

// IsBroadcast reports whether the address has no station part.
func (a Address) IsBroadcast() bool {
	return len(a.Addr) == 0
}

// Remote reports whether the address lives behind a routed network.
func (a Address) Remote() bool {
	return a.Net != 0 && a.Net != GlobalBroadcastNetwork
}

// Equal compares two addresses byte for byte.
func (a Address) Equal(b Address) bool {
	return a.Net == b.Net && bytes.Equal(a.Addr, b.Addr)
}

// UDPAddr converts an IP-form address to a *net.UDPAddr.
func (a Address) UDPAddr() (*net.UDPAddr, error) {
	switch len(a.Addr) {
	case 4:
		return &net.UDPAddr{IP: net.IP(a.Addr), Port: DefaultPort}, nil
	case 6:
		return &net.UDPAddr{
			IP:   net.IP(a.Addr[:4]),
			Port: int(binary.BigEndian.Uint16(a.Addr[4:])),
		}, nil
	}
	return nil, fmt.Errorf("address %s is not an IP endpoint", a)
}

func (a Address) String() string {
	switch len(a.Addr) {
	case 0:
		if a.Net == GlobalBroadcastNetwork {
			return "broadcast(global)"
		}
		return "broadcast(local)"
	case 1:
		if a.Net != 0 {
			return fmt.Sprintf("net %d mac %d", a.Net, a.Addr[0])
		}
		return fmt.Sprintf("mac %d", a.Addr[0])
	case 4:
		return fmt.Sprintf("%d.%d.%d.%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3])
	case 6:
		port := binary.BigEndian.Uint16(a.Addr[4:])
		if a.Net != 0 {
			return fmt.Sprintf("net %d %d.%d.%d.%d:%d", a.Net, a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], port)
		}
		return fmt.Sprintf("%d.%d.%d.%d:%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], port)
	}
	return fmt.Sprintf("net %d addr %x", a.Net, a.Addr)
}

// DeviceInfo represents a device discovered through I-Am.
type DeviceInfo struct {
	ObjectID      ObjectIdentifier
	Address       Address
	MaxAPDULength uint16
	Segmentation  Segmentation
	VendorID      uint16
}
