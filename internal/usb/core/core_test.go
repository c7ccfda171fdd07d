package core

import "testing"

func TestMakeRequestTypeEncodesDirectionClassTarget(t *testing.T) {
	v := MakeRequestType(DirectionIn, ControlStandard, TargetDevice)
	if v != 0x80 {
		t.Fatalf("MakeRequestType(In, Standard, Device) = %#x, want 0x80", v)
	}
	v = MakeRequestType(DirectionOut, ControlClass, TargetInterface)
	want := uint8(0b0_01_00001)
	if v != want {
		t.Fatalf("MakeRequestType(Out, Class, Interface) = %#08b, want %#08b", v, want)
	}
}

func TestSetupPacketDirectionReadsBit7(t *testing.T) {
	in := SetupPacket{RequestType: 0x80}
	if in.Direction() != DirectionIn {
		t.Fatal("expected DirectionIn when bit 7 set")
	}
	out := SetupPacket{RequestType: 0x00}
	if out.Direction() != DirectionOut {
		t.Fatal("expected DirectionOut when bit 7 clear")
	}
}

func TestGetDescriptorSetupPacksValueField(t *testing.T) {
	s := GetDescriptorSetup(uint8(DescDevice), 0, DeviceDescriptorSize)
	if s.Value != uint16(DescDevice)<<8 {
		t.Fatalf("Value = %#x, want %#x", s.Value, uint16(DescDevice)<<8)
	}
	if s.DataLength != 18 {
		t.Fatalf("DataLength = %d, want 18", s.DataLength)
	}
}

func TestParseDeviceDescriptorRejectsShortBuffer(t *testing.T) {
	if _, err := ParseDeviceDescriptor(make([]byte, 10)); err == nil {
		t.Fatal("expected error for a too-short device descriptor")
	}
}

func TestParseDeviceDescriptorDecodesFields(t *testing.T) {
	b := []byte{
		18, 0x01, // length, kind
		0x10, 0x02, // bcdUSB 0x0210
		0x00, 0x00, 0x00, // class, subclass, protocol
		64,         // max packet size
		0xD4, 0x09, // vendor 0x09D4 (arbitrary)
		0x00, 0x02, // product 0x0200
		0x00, 0x01, // release bcd
		1, 2, 3, // string indices
		1, // num configurations
	}
	d, err := ParseDeviceDescriptor(b)
	if err != nil {
		t.Fatalf("ParseDeviceDescriptor: %v", err)
	}
	if d.VendorID != 0x09D4 || d.ProductID != 0x0200 {
		t.Fatalf("vendor/product = %#x/%#x, want 0x9d4/0x200", d.VendorID, d.ProductID)
	}
	if d.MaxPacketSize != 64 {
		t.Fatalf("MaxPacketSize = %d, want 64", d.MaxPacketSize)
	}
}

// buildConfigDescriptor assembles a minimal configuration descriptor with
// one interface (boot keyboard: class 3, subclass 1, protocol 1) and one
// interrupt-IN endpoint, the shape a real USB HID keyboard reports.
func buildConfigDescriptor() []byte {
	cfg := []byte{9, 0x02, 0, 0, 1, 1, 0, 0, 50}
	iface := []byte{9, 0x04, 0, 0, 1, 3, 1, 1, 0}
	hid := []byte{9, 0x21, 0x11, 0x01, 0, 1, 0x22, 0x3F, 0}
	ep := []byte{7, 0x05, 0x81, 0x03, 8, 0, 10}

	var data []byte
	data = append(data, cfg...)
	data = append(data, iface...)
	data = append(data, hid...)
	data = append(data, ep...)

	total := len(data)
	data[2] = byte(total)
	data[3] = byte(total >> 8)
	return data
}

func TestParseConfigurationExtractsInterfaceAndEndpoint(t *testing.T) {
	data := buildConfigDescriptor()
	ifaces, err := ParseConfiguration(data)
	if err != nil {
		t.Fatalf("ParseConfiguration: %v", err)
	}
	if len(ifaces) != 1 {
		t.Fatalf("got %d interfaces, want 1", len(ifaces))
	}
	iface := ifaces[0]
	if iface.Class != 3 || iface.Subclass != 1 || iface.Protocol != 1 {
		t.Fatalf("interface class/subclass/protocol = %d/%d/%d, want 3/1/1", iface.Class, iface.Subclass, iface.Protocol)
	}
	if len(iface.Endpoints) != 1 {
		t.Fatalf("got %d endpoints, want 1", len(iface.Endpoints))
	}
	ep := iface.Endpoints[0]
	if ep.Number != 1 || ep.Direction != DirectionIn {
		t.Fatalf("endpoint number/direction = %d/%v, want 1/In", ep.Number, ep.Direction)
	}
	if ep.Type != TransferInterrupt {
		t.Fatalf("endpoint type = %v, want Interrupt", ep.Type)
	}
	if ep.MaxPacketSize != 8 {
		t.Fatalf("endpoint max packet size = %d, want 8", ep.MaxPacketSize)
	}
}

func TestParseConfigurationRejectsWrongLeadDescriptor(t *testing.T) {
	data := buildConfigDescriptor()
	data[1] = byte(DescDevice) // corrupt the leading descriptor's type
	if _, err := ParseConfiguration(data); err == nil {
		t.Fatal("expected error when data doesn't start with a configuration descriptor")
	}
}

func TestParseConfigurationRejectsEndpointBeforeInterface(t *testing.T) {
	ep := []byte{7, 0x05, 0x81, 0x03, 8, 0, 10}
	cfg := []byte{9, 0x02, byte(9 + len(ep)), 0, 1, 1, 0, 0, 50}
	data := append(append([]byte{}, cfg...), ep...)
	if _, err := ParseConfiguration(data); err == nil {
		t.Fatal("expected error: endpoint descriptor with no preceding interface")
	}
}
