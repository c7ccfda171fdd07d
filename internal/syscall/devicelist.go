package syscall

import (
	"encoding/binary"

	"github.com/bekos-project/bekos/internal/devregistry"
)

// deviceRecordHeaderSize is next_offset(8) + protocol(4), the fixed
// portion of a device-enumeration record before its NUL-terminated name,
// mirroring internal/fs's directory record layout for the same reason
// sys_list_devices and sys_get_directory_entries share a record shape in
// the original: both are "next_offset-linked variable-length records".
const deviceRecordHeaderSize = 8 + 4
const deviceRecordAlignment = 8

func deviceRecordSize(name string) int {
	return alignUp(deviceRecordHeaderSize+len(name)+1, deviceRecordAlignment)
}

func matchingDevices(all []*devregistry.Entry, filter devregistry.Protocol, hasFilter bool) []*devregistry.Entry {
	if !hasFilter {
		return all
	}
	out := make([]*devregistry.Entry, 0, len(all))
	for _, d := range all {
		if d.Protocol == filter {
			out = append(out, d)
		}
	}
	return out
}

// requiredDeviceListSize is the len==0 "how big a buffer do I need" pass.
func requiredDeviceListSize(all []*devregistry.Entry, filter devregistry.Protocol, hasFilter bool) int {
	total := 0
	for _, d := range matchingDevices(all, filter, hasFilter) {
		total += deviceRecordSize(d.Name)
	}
	return total
}

// serializeDeviceList writes as many matching devices as fit into buf,
// returning the bytes used and whether any matching device was left out.
// Each record's next_offset is its own size; the last record written gets
// next_offset 0 if every match fit, or the distance from its start to the
// end of buf (the out-of-space sentinel) otherwise, matching
// internal/fs.SerializeDirectory's convention.
func serializeDeviceList(all []*devregistry.Entry, filter devregistry.Protocol, hasFilter bool, buf []byte) (written int, overflowed bool) {
	matching := matchingDevices(all, filter, hasFilter)

	offset := 0
	lastOffset := -1
	i := 0
	for i < len(matching) {
		d := matching[i]
		size := deviceRecordSize(d.Name)
		if offset+size > len(buf) {
			break
		}
		binary.LittleEndian.PutUint64(buf[offset:], uint64(size))
		binary.LittleEndian.PutUint32(buf[offset+8:], uint32(d.Protocol))
		copy(buf[offset+deviceRecordHeaderSize:], d.Name)
		buf[offset+deviceRecordHeaderSize+len(d.Name)] = 0
		lastOffset = offset
		offset += size
		i++
	}
	if lastOffset >= 0 {
		if i >= len(matching) {
			binary.LittleEndian.PutUint64(buf[lastOffset:], 0)
		} else {
			binary.LittleEndian.PutUint64(buf[lastOffset:], uint64(len(buf)-lastOffset))
			overflowed = true
		}
	} else if len(matching) > 0 {
		overflowed = true
	}
	return offset, overflowed
}
