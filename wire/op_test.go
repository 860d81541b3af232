package wire

import (
	"bytes"
	"testing"
)

func TestDevlistRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name    string
		devices []DeviceRecord
	}{
		{name: "empty", devices: nil},
		{
			name: "one device",
			devices: []DeviceRecord{
				{
					Path:               []byte("/sys/devices/pci0000:00/usb1/1-2"),
					BusID:              []byte("1-2"),
					BusNum:             1,
					DevNum:             2,
					Speed:              3,
					VendorID:           0x1234,
					ProductID:          0x5678,
					DeviceClass:        0x03,
					ConfigurationValue: 1,
					NumConfigurations:  1,
					NumInterfaces:      0,
				},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ifaces := make([][]InterfaceRecord, len(tc.devices))
			var buf bytes.Buffer
			if err := WriteDevlistReply(&buf, tc.devices, ifaces); err != nil {
				t.Fatalf("write: %v", err)
			}
			got, err := ReadDevlistReply(&buf)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if len(got) != len(tc.devices) {
				t.Fatalf("got %d devices, want %d", len(got), len(tc.devices))
			}
			for i := range got {
				if got[i].BusID == nil && tc.devices[i].BusID != nil {
					t.Errorf("device %d: bus id mismatch", i)
				}
				if string(got[i].BusID) != string(tc.devices[i].BusID) {
					t.Errorf("device %d: bus id = %q, want %q", i, got[i].BusID, tc.devices[i].BusID)
				}
				if got[i].VendorID != tc.devices[i].VendorID {
					t.Errorf("device %d: vendor id = %#x, want %#x", i, got[i].VendorID, tc.devices[i].VendorID)
				}
			}
		})
	}
}

func TestImportRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteImportRequest(&buf, "1-2"); err != nil {
		t.Fatalf("write request: %v", err)
	}
	// Skip the header the way a server dispatch loop would (it reads the
	// header first to decide the op code).
	hdr := make([]byte, 8)
	if _, err := buf.Read(hdr); err != nil {
		t.Fatalf("read header: %v", err)
	}
	busID, err := ReadImportRequest(&buf)
	if err != nil {
		t.Fatalf("read request body: %v", err)
	}
	if busID != "1-2" {
		t.Errorf("bus id = %q, want 1-2", busID)
	}

	dev := DeviceRecord{BusID: []byte("1-2"), VendorID: 0x1234, ProductID: 0x5678, Speed: 3}
	var replyBuf bytes.Buffer
	if err := WriteImportReplySuccess(&replyBuf, dev); err != nil {
		t.Fatalf("write reply: %v", err)
	}
	got, err := ReadImportReply(&replyBuf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(got.BusID) != "1-2" || got.VendorID != 0x1234 {
		t.Errorf("unexpected reply device: %+v", got)
	}
}

func TestImportReplyFailure(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteImportReplyFailure(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadImportReply(&buf); err == nil {
		t.Fatal("expected error for non-zero status reply")
	}
}

func TestDevlistEmptyWireShape(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteDevlistReply(&buf, nil, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := []byte{0x01, 0x11, 0x00, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("got % x, want % x", buf.Bytes(), want)
	}
}
