package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/efficientgo/core/errors"
)

func toWireRecord(d DeviceRecord) wireDeviceRecord {
	var w wireDeviceRecord
	copy(w.Path[:], d.Path)
	copy(w.BusID[:], d.BusID)
	w.BusNum = d.BusNum
	w.DevNum = d.DevNum
	w.Speed = d.Speed
	w.VendorID = d.VendorID
	w.ProductID = d.ProductID
	w.BCDDevice = d.BCDDevice
	w.DeviceClass = d.DeviceClass
	w.DeviceSubClass = d.DeviceSubClass
	w.DeviceProtocol = d.DeviceProtocol
	w.ConfigurationValue = d.ConfigurationValue
	w.NumConfigurations = d.NumConfigurations
	w.NumInterfaces = d.NumInterfaces
	return w
}

func fromWireRecord(w wireDeviceRecord) DeviceRecord {
	return DeviceRecord{
		Path:               trimNUL(w.Path[:]),
		BusID:              trimNUL(w.BusID[:]),
		BusNum:             w.BusNum,
		DevNum:             w.DevNum,
		Speed:              w.Speed,
		VendorID:           w.VendorID,
		ProductID:          w.ProductID,
		BCDDevice:          w.BCDDevice,
		DeviceClass:        w.DeviceClass,
		DeviceSubClass:     w.DeviceSubClass,
		DeviceProtocol:     w.DeviceProtocol,
		ConfigurationValue: w.ConfigurationValue,
		NumConfigurations:  w.NumConfigurations,
		NumInterfaces:      w.NumInterfaces,
	}
}

func trimNUL(b []byte) []byte {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return append([]byte(nil), b[:i]...)
	}
	return append([]byte(nil), b...)
}

// ReadOpHeader reads the 8-byte OP-phase header without consuming any body,
// so the caller can dispatch on Code before deciding how to decode the rest
// (used by the session's OP_IDLE state).
func ReadOpHeader(r io.Reader) (Header, error) {
	var h Header
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return h, errors.Wrap(err, "failed to read op header")
	}
	return h, nil
}

// WriteDevlistRequest writes OP_REQ_DEVLIST.
func WriteDevlistRequest(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, Header{Version, OpReqDevlist, 0})
}

// ReadDevlistRequest reads and validates an OP_REQ_DEVLIST header.
func ReadDevlistRequest(r io.Reader) error {
	var h Header
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return errors.Wrap(err, "failed to read devlist request header")
	}
	if h.Code != OpReqDevlist {
		return errors.Wrapf(ErrMalformedFrame, "unexpected op code %#x", h.Code)
	}
	return nil
}

// WriteDevlistReply writes OP_REP_DEVLIST: header, device count, then each
// device record followed by its per-interface triples.
func WriteDevlistReply(w io.Writer, devices []DeviceRecord, interfaces [][]InterfaceRecord) error {
	if len(devices) != len(interfaces) {
		return errors.Newf("devices/interfaces length mismatch: %d vs %d", len(devices), len(interfaces))
	}
	if err := binary.Write(w, binary.BigEndian, Header{Version, OpRepDevlist, 0}); err != nil {
		return errors.Wrap(err, "failed to write devlist reply header")
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(devices))); err != nil {
		return errors.Wrap(err, "failed to write devlist reply count")
	}
	for i, d := range devices {
		if err := binary.Write(w, binary.BigEndian, toWireRecord(d)); err != nil {
			return errors.Wrapf(err, "failed to write device record %d", i)
		}
		for _, iface := range interfaces[i] {
			if err := binary.Write(w, binary.BigEndian, iface); err != nil {
				return errors.Wrapf(err, "failed to write interface record for device %d", i)
			}
		}
	}
	return nil
}

// ReadDevlistReply reads an OP_REP_DEVLIST reply. Per-interface triples are
// skipped (the server side never needs to parse its own reply back).
func ReadDevlistReply(r io.Reader) ([]DeviceRecord, error) {
	var h Header
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return nil, errors.Wrap(err, "failed to read devlist reply header")
	}
	if h.Status != 0 {
		return nil, errors.Newf("devlist reply returned status %d", h.Status)
	}
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, errors.Wrap(err, "failed to read devlist reply count")
	}
	devices := make([]DeviceRecord, n)
	for i := range devices {
		var w wireDeviceRecord
		if err := binary.Read(r, binary.BigEndian, &w); err != nil {
			return nil, errors.Wrapf(err, "failed to read device record %d", i)
		}
		devices[i] = fromWireRecord(w)
		for j := uint8(0); j < w.NumInterfaces; j++ {
			var iface InterfaceRecord
			if err := binary.Read(r, binary.BigEndian, &iface); err != nil {
				return nil, errors.Wrapf(err, "failed to read interface record %d for device %d", j, i)
			}
		}
	}
	return devices, nil
}

// WriteImportRequest writes OP_REQ_IMPORT for busID.
func WriteImportRequest(w io.Writer, busID string) error {
	if err := binary.Write(w, binary.BigEndian, Header{Version, OpReqImport, 0}); err != nil {
		return errors.Wrap(err, "failed to write import request header")
	}
	var busIDBin [32]byte
	if len(busID) > 31 {
		return errors.Newf("bus id %q exceeds 31 bytes", busID)
	}
	copy(busIDBin[:], busID)
	if err := binary.Write(w, binary.BigEndian, busIDBin); err != nil {
		return errors.Wrap(err, "failed to write import request bus id")
	}
	return nil
}

// ReadImportRequest reads an OP_REQ_IMPORT body (the header must already be
// consumed and validated by the caller's dispatch on h.Code).
func ReadImportRequest(r io.Reader) (string, error) {
	var busIDBin [32]byte
	if err := binary.Read(r, binary.BigEndian, &busIDBin); err != nil {
		return "", errors.Wrap(err, "failed to read import request bus id")
	}
	return string(trimNUL(busIDBin[:])), nil
}

// WriteImportReplySuccess writes a successful OP_REP_IMPORT: status 0 plus a
// single device record (no interface descriptors).
func WriteImportReplySuccess(w io.Writer, dev DeviceRecord) error {
	if err := binary.Write(w, binary.BigEndian, Header{Version, OpRepImport, 0}); err != nil {
		return errors.Wrap(err, "failed to write import reply header")
	}
	if err := binary.Write(w, binary.BigEndian, toWireRecord(dev)); err != nil {
		return errors.Wrap(err, "failed to write import reply device record")
	}
	return nil
}

// WriteImportReplyFailure writes a failed OP_REP_IMPORT: non-zero status, no body.
func WriteImportReplyFailure(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, Header{Version, OpRepImport, 1})
}

// ReadImportReply reads an OP_REP_IMPORT reply.
func ReadImportReply(r io.Reader) (*DeviceRecord, error) {
	var h Header
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return nil, errors.Wrap(err, "failed to read import reply header")
	}
	if h.Status != 0 {
		return nil, errors.New("import request returned error status")
	}
	var w wireDeviceRecord
	if err := binary.Read(r, binary.BigEndian, &w); err != nil {
		return nil, errors.Wrap(err, "failed to read import reply device record")
	}
	dev := fromWireRecord(w)
	return &dev, nil
}
