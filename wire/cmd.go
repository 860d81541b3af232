package wire

import (
	"encoding/binary"
	"io"

	"github.com/efficientgo/core/errors"
)

// isoDescriptorSize is the on-wire size of one ISOPacketDescriptor (4 u32 fields).
const isoDescriptorSize = 16

// ReadCmdHeader reads the 20-byte header common to every CMD-phase message
// without consuming command-specific fields, so the caller can dispatch on
// Command before deciding how to decode the rest.
func ReadCmdHeader(r io.Reader) (CmdHeader, error) {
	var h CmdHeader
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return h, errors.Wrap(err, "failed to read cmd header")
	}
	return h, nil
}

// DecodedSubmit is a CMD_SUBMIT message plus its variable-length payload and
// ISO descriptors.
type DecodedSubmit struct {
	Submit
	Payload []byte                // present for OUT transfers
	ISO     []ISOPacketDescriptor // present when NumberOfPackets != NonISO
}

// ReadSubmitBody reads the CMD_SUBMIT fields and any trailing payload/ISO
// descriptors that follow the common header (already consumed by the
// caller via ReadCmdHeader).
func ReadSubmitBody(r io.Reader, hdr CmdHeader) (*DecodedSubmit, error) {
	var fixed struct {
		TransferFlags     uint32
		TransferBufferLen uint32
		StartFrame        uint32
		NumberOfPackets   uint32
		Interval          uint32
		Setup             [8]byte
	}
	if err := binary.Read(r, binary.BigEndian, &fixed); err != nil {
		return nil, errors.Wrap(err, "failed to read submit fixed fields")
	}

	out := &DecodedSubmit{
		Submit: Submit{
			CmdHeader:         hdr,
			TransferFlags:     fixed.TransferFlags,
			TransferBufferLen: fixed.TransferBufferLen,
			StartFrame:        fixed.StartFrame,
			NumberOfPackets:   fixed.NumberOfPackets,
			Interval:          fixed.Interval,
			Setup:             fixed.Setup,
		},
	}

	isISO := fixed.NumberOfPackets != NonISO
	if hdr.Direction == DirOut {
		if fixed.TransferBufferLen > 0 {
			out.Payload = make([]byte, fixed.TransferBufferLen)
			if _, err := io.ReadFull(r, out.Payload); err != nil {
				return nil, errors.Wrap(err, "failed to read submit payload")
			}
		}
	}
	if isISO {
		if fixed.NumberOfPackets > (1<<20)/isoDescriptorSize {
			return nil, errors.Wrapf(ErrMalformedFrame, "implausible packet count %d", fixed.NumberOfPackets)
		}
		out.ISO = make([]ISOPacketDescriptor, fixed.NumberOfPackets)
		for i := range out.ISO {
			if err := binary.Read(r, binary.BigEndian, &out.ISO[i]); err != nil {
				return nil, errors.Wrapf(ErrMalformedFrame, "failed to read iso descriptor %d: %v", i, err)
			}
		}
	}
	return out, nil
}

// WriteRetSubmit writes a RET_SUBMIT reply. payload is included only for IN
// transfers (caller decides); iso is included whenever the original submit
// was isochronous.
func WriteRetSubmit(w io.Writer, hdr RetSubmitHeader, payload []byte, iso []ISOPacketDescriptor) error {
	hdr.CmdHeader.Command = RetSubmit
	if err := binary.Write(w, binary.BigEndian, hdr); err != nil {
		return errors.Wrap(err, "failed to write ret_submit header")
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return errors.Wrap(err, "failed to write ret_submit payload")
		}
	}
	for i, pkt := range iso {
		if err := binary.Write(w, binary.BigEndian, pkt); err != nil {
			return errors.Wrapf(err, "failed to write iso descriptor %d", i)
		}
	}
	return nil
}

// WriteCmdUnlink writes a CMD_UNLINK message.
func WriteCmdUnlink(w io.Writer, hdr CmdHeader, unlinkSeqnum uint32) error {
	hdr.Command = CmdUnlink
	if err := binary.Write(w, binary.BigEndian, hdr); err != nil {
		return errors.Wrap(err, "failed to write unlink header")
	}
	return binary.Write(w, binary.BigEndian, unlinkSeqnum)
}

// ReadUnlinkBody reads the seqnum-to-cancel that follows a CMD_UNLINK header.
func ReadUnlinkBody(r io.Reader, hdr CmdHeader) (*Unlink, error) {
	var seq uint32
	if err := binary.Read(r, binary.BigEndian, &seq); err != nil {
		return nil, errors.Wrap(err, "failed to read unlink seqnum")
	}
	return &Unlink{CmdHeader: hdr, UnlinkSeqnum: seq}, nil
}

// WriteRetUnlink writes a RET_UNLINK reply.
func WriteRetUnlink(w io.Writer, hdr CmdHeader, status int32) error {
	hdr.Command = RetUnlink
	return binary.Write(w, binary.BigEndian, RetUnlinkHeader{CmdHeader: hdr, Status: status})
}
