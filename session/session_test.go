package session

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/benmcmorran/usbipd-win/enumerate"
	"github.com/benmcmorran/usbipd-win/filter"
	"github.com/benmcmorran/usbipd-win/registry"
	"github.com/benmcmorran/usbipd-win/urbengine"
	"github.com/benmcmorran/usbipd-win/wire"
)

func newTestSession(t *testing.T) (client net.Conn, deps Deps, backend *urbengine.FakeBackend, reg *registry.Registry) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })

	reg = registry.New(registry.NewFakeStore())
	if err := reg.Bind(context.Background(), "1-2", "Test Device"); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	backend = urbengine.NewFakeBackend()
	deps = Deps{
		Enumerator: &enumerate.Fake{Devices: []enumerate.Device{{BusID: "1-2", VendorID: 0xdead, ProductID: 0xbeef}}},
		Registry:   reg,
		Shim:       &filter.Fake{},
		NewBackend: func(*filter.ClaimedDevice) (urbengine.Backend, error) { return backend, nil },
	}

	sess := New(server, deps)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sess.Run(ctx)
	return client, deps, backend, reg
}

func TestImportUnsharedDeviceFails(t *testing.T) {
	client, _, _, reg := newTestSession(t)
	if err := reg.Unbind(context.Background(), "1-2"); err != nil {
		t.Fatalf("Unbind: %v", err)
	}

	if err := wire.WriteImportRequest(client, "1-2"); err != nil {
		t.Fatalf("WriteImportRequest: %v", err)
	}
	if _, err := wire.ReadImportReply(client); err == nil {
		t.Fatal("expected an error reply for an unshared bus id")
	}
}

func TestImportSharedDeviceSucceedsAndRoundTripsAnURB(t *testing.T) {
	client, _, backend, _ := newTestSession(t)

	if err := wire.WriteImportRequest(client, "1-2"); err != nil {
		t.Fatalf("WriteImportRequest: %v", err)
	}
	dev, err := wire.ReadImportReply(client)
	if err != nil {
		t.Fatalf("ReadImportReply: %v", err)
	}
	if string(dev.BusID) != "1-2" {
		t.Fatalf("got bus id %q; want 1-2", dev.BusID)
	}

	// A control IN transfer on endpoint 0.
	hdr := wire.CmdHeader{Command: wire.CmdSubmit, Seqnum: 7, DevID: 1, Direction: wire.DirIn, Endpoint: 0}
	if err := binary.Write(client, binary.BigEndian, hdr); err != nil {
		t.Fatalf("write submit header: %v", err)
	}
	fixed := struct {
		TransferFlags     uint32
		TransferBufferLen uint32
		StartFrame        uint32
		NumberOfPackets   uint32
		Interval          uint32
		Setup             [8]byte
	}{TransferBufferLen: 4, NumberOfPackets: wire.NonISO}
	if err := binary.Write(client, binary.BigEndian, fixed); err != nil {
		t.Fatalf("write submit fixed fields: %v", err)
	}

	waitForIssued(t, backend, 7)
	backend.Complete(urbengine.Completion{Seqnum: 7, Status: 0, ActualLength: 4})

	retHdr, err := wire.ReadCmdHeader(client)
	if err != nil {
		t.Fatalf("ReadCmdHeader: %v", err)
	}
	if retHdr.Command != wire.RetSubmit || retHdr.Seqnum != 7 {
		t.Fatalf("got %+v; want RET_SUBMIT for seqnum 7", retHdr)
	}
}

func TestUnlinkAfterCompletionSendsOnlyRetSubmit(t *testing.T) {
	client, _, backend, _ := newTestSession(t)

	if err := wire.WriteImportRequest(client, "1-2"); err != nil {
		t.Fatalf("WriteImportRequest: %v", err)
	}
	if _, err := wire.ReadImportReply(client); err != nil {
		t.Fatalf("ReadImportReply: %v", err)
	}

	hdr := wire.CmdHeader{Command: wire.CmdSubmit, Seqnum: 9, DevID: 1, Direction: wire.DirIn, Endpoint: 0}
	if err := binary.Write(client, binary.BigEndian, hdr); err != nil {
		t.Fatalf("write submit header: %v", err)
	}
	fixed := struct {
		TransferFlags     uint32
		TransferBufferLen uint32
		StartFrame        uint32
		NumberOfPackets   uint32
		Interval          uint32
		Setup             [8]byte
	}{TransferBufferLen: 4, NumberOfPackets: wire.NonISO}
	if err := binary.Write(client, binary.BigEndian, fixed); err != nil {
		t.Fatalf("write submit fixed fields: %v", err)
	}
	waitForIssued(t, backend, 9)

	// The backend completes the urb before the unlink request arrives, so
	// Unlink should report AlreadyCompleted and the session must not send a
	// RET_UNLINK on top of the RET_SUBMIT. The whole RET_SUBMIT is read
	// before the unlink is sent, so the session has already taken seqnum 9
	// out of flight when the unlink reaches it.
	backend.Complete(urbengine.Completion{Seqnum: 9, Status: 0, ActualLength: 4})

	retHdr, err := wire.ReadCmdHeader(client)
	if err != nil {
		t.Fatalf("ReadCmdHeader: %v", err)
	}
	if retHdr.Command != wire.RetSubmit || retHdr.Seqnum != 9 {
		t.Fatalf("got %+v; want RET_SUBMIT for seqnum 9", retHdr)
	}
	retFixed := struct {
		Status          int32
		ActualLength    uint32
		StartFrame      uint32
		NumberOfPackets uint32
		ErrorCount      uint32
	}{}
	if err := binary.Read(client, binary.BigEndian, &retFixed); err != nil {
		t.Fatalf("read RET_SUBMIT fixed fields: %v", err)
	}
	payload := make([]byte, retFixed.ActualLength)
	if _, err := io.ReadFull(client, payload); err != nil {
		t.Fatalf("read RET_SUBMIT payload: %v", err)
	}

	unlinkHdr := wire.CmdHeader{Command: wire.CmdUnlink, Seqnum: 10, DevID: 1, Direction: wire.DirIn, Endpoint: 0}
	if err := wire.WriteCmdUnlink(client, unlinkHdr, 9); err != nil {
		t.Fatalf("WriteCmdUnlink: %v", err)
	}

	// Nothing else should follow: no RET_UNLINK for seqnum 10 ever arrives.
	client.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected no further reply after the RET_SUBMIT, got one")
	}
}

func waitForIssued(t *testing.T, backend *urbengine.FakeBackend, seqnum uint32) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if backend.WasIssued(seqnum) {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("seqnum %d never reached the backend", seqnum)
		case <-time.After(time.Millisecond):
		}
	}
}
