package core

import "github.com/bekos-project/bekos/internal/errno"

// DescriptorType is a USB descriptor's bDescriptorType byte, from
// descriptors.h's DescriptorBase::DescriptorType.
type DescriptorType uint8

const (
	DescDevice        DescriptorType = 0x01
	DescConfiguration DescriptorType = 0x02
	DescString        DescriptorType = 0x03
	DescInterface     DescriptorType = 0x04
	DescEndpoint      DescriptorType = 0x05
	DescHid           DescriptorType = 0x21
	DescHidReport     DescriptorType = 0x22
)

// DeviceDescriptor is the 18-byte standard device descriptor, from
// descriptors.h's DeviceDescriptor (static_assert(sizeof(..)==18)).
type DeviceDescriptor struct {
	Length             uint8
	Kind               DescriptorType
	VersionBCD         uint16
	DeviceClass        uint8
	DeviceSubclass     uint8
	DeviceProtocol     uint8
	MaxPacketSize      uint8
	VendorID           uint16
	ProductID          uint16
	ReleaseBCD         uint16
	ManufacturerString uint8
	ProductString      uint8
	SerialString       uint8
	ConfigurationCount uint8
}

// DeviceDescriptorSize is the wire size a GET_DESCRIPTOR(Device) request
// should ask for.
const DeviceDescriptorSize = 18

// ParseDeviceDescriptor decodes an 18-byte device descriptor.
func ParseDeviceDescriptor(b []byte) (DeviceDescriptor, error) {
	if len(b) < DeviceDescriptorSize {
		return DeviceDescriptor{}, errno.EINVAL
	}
	return DeviceDescriptor{
		Length:             b[0],
		Kind:               DescriptorType(b[1]),
		VersionBCD:         le16(b[2:]),
		DeviceClass:        b[4],
		DeviceSubclass:     b[5],
		DeviceProtocol:     b[6],
		MaxPacketSize:      b[7],
		VendorID:           le16(b[8:]),
		ProductID:          le16(b[10:]),
		ReleaseBCD:         le16(b[12:]),
		ManufacturerString: b[14],
		ProductString:      b[15],
		SerialString:       b[16],
		ConfigurationCount: b[17],
	}, nil
}

// configurationDescriptorHeaderSize is descriptors.h's ConfigurationDescriptor
// size (length, kind, total_length, num_interfaces, config_value,
// config_string, attributes, max_power): static_assert(sizeof(..)==9).
const configurationDescriptorHeaderSize = 9
const interfaceDescriptorSize = 9
const endpointDescriptorSize = 7

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }

// endpointFromDescriptor converts a raw EndpointDescriptor into the
// generic Endpoint type, per descriptors.h's EndpointDescriptor::to_endpoint.
func endpointFromDescriptor(b []byte) Endpoint {
	address := b[2]
	attributes := b[3]
	maxPacketSize := le16(b[4:])
	interval := b[6]
	dir := DirectionOut
	if address&(1<<7) != 0 {
		dir = DirectionIn
	}
	return Endpoint{
		Number:         address & 0xF,
		Direction:      dir,
		Type:           TransferType(attributes & 0b11),
		MaxPacketSize:  maxPacketSize,
		Interval:       interval,
		IsNotification: attributes&(1<<4) != 0,
	}
}

// ParseConfiguration walks a GET_DESCRIPTOR(Configuration) response,
// returning the interfaces it describes with their endpoints attached, per
// descriptors.h's parse_configuration: configuration descriptor, then a
// flat run of interface descriptors each followed by its own run of
// endpoint descriptors (and possibly class-specific descriptors, like a
// HID descriptor, which this walk skips by length since it only needs
// standard interface/endpoint shapes).
func ParseConfiguration(data []byte) ([]Interface, error) {
	if len(data) < configurationDescriptorHeaderSize {
		return nil, errno.EINVAL
	}
	if DescriptorType(data[1]) != DescConfiguration {
		return nil, errno.EINVAL
	}

	var interfaces []Interface
	var current *Interface

	off := int(data[0]) // skip the configuration descriptor itself
	for off+2 <= len(data) {
		length := int(data[off])
		if length < 2 || off+length > len(data) {
			return nil, errno.EINVAL
		}
		kind := DescriptorType(data[off+1])
		body := data[off : off+length]

		switch kind {
		case DescInterface:
			if length < interfaceDescriptorSize {
				return nil, errno.EINVAL
			}
			if current != nil {
				interfaces = append(interfaces, *current)
			}
			current = &Interface{
				Number:      body[2],
				Alternative: body[3],
				Class:       body[5],
				Subclass:    body[6],
				Protocol:    body[7],
			}
		case DescEndpoint:
			if length < endpointDescriptorSize {
				return nil, errno.EINVAL
			}
			if current == nil {
				return nil, errno.EINVAL
			}
			current.Endpoints = append(current.Endpoints, endpointFromDescriptor(body))
		default:
			// Class- or vendor-specific descriptor (e.g. HID's 0x21):
			// skip by length, matching the original's generic walk.
		}
		off += length
	}
	if current != nil {
		interfaces = append(interfaces, *current)
	}
	return interfaces, nil
}
