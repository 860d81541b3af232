// Package session drives one USB/IP TCP connection through the OP/CMD
// state machine, binding the wire codec to the device enumerator, share
// registry, filter shim, and URB engine.
package session

import (
	"context"
	"io"
	"net"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/benmcmorran/usbipd-win/enumerate"
	"github.com/benmcmorran/usbipd-win/filter"
	"github.com/benmcmorran/usbipd-win/metrics"
	"github.com/benmcmorran/usbipd-win/registry"
	"github.com/benmcmorran/usbipd-win/urbengine"
	"github.com/benmcmorran/usbipd-win/wire"
)

// State is the session's position in the OP_IDLE -> ... -> closed machine.
type State int

const (
	StateOpIdle State = iota
	StateImportOK
	StateCmdMode
	StateClosed
)

// BackendFactory opens the asynchronous I/O backend for a freshly claimed
// device; production code supplies urbengine.NewWindowsBackend, tests
// supply a fake.
type BackendFactory func(*filter.ClaimedDevice) (urbengine.Backend, error)

// Deps are the external collaborators a Session is bound to.
type Deps struct {
	Enumerator enumerate.Enumerator
	Registry   *registry.Registry
	Shim       filter.Shim
	NewBackend BackendFactory
	Logger     log.Logger
	Metrics    *metrics.Metrics
}

// Session drives a single TCP connection end to end.
type Session struct {
	conn   net.Conn
	deps   Deps
	logger log.Logger

	state State
	busID string
	dev   enumerate.Device

	claimed  *filter.ClaimedDevice
	engine   *urbengine.Engine
	devID    uint32
	attached bool // true only once this session's own MarkAttached succeeded

	outbound chan func(io.Writer) error
	done     chan struct{}
}

// New constructs a Session bound to conn; the caller invokes Run.
func New(conn net.Conn, deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop()
	}
	return &Session{
		conn:     conn,
		deps:     deps,
		logger:   logger,
		state:    StateOpIdle,
		outbound: make(chan func(io.Writer) error, 16),
		done:     make(chan struct{}),
	}
}

// Run executes the OP phase and, on successful import, the CMD phase, until
// the connection closes, ctx is cancelled, or a protocol error occurs. It
// always tears down cleanly before returning.
func (s *Session) Run(ctx context.Context) {
	defer s.teardown()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-stop:
		}
	}()

	if err := s.runOpPhase(); err != nil {
		if !errors.Is(err, io.EOF) {
			level.Warn(s.logger).Log("msg", "op phase failed", "err", err)
		}
		return
	}
	if s.state != StateCmdMode {
		return
	}
	s.runCmdPhase(ctx)
}

// runOpPhase handles exactly one OP_REQ_DEVLIST or OP_REQ_IMPORT.
func (s *Session) runOpPhase() error {
	h, err := wire.ReadOpHeader(s.conn)
	if err != nil {
		return err
	}

	switch h.Code {
	case wire.OpReqDevlist:
		return s.handleDevlist()
	case wire.OpReqImport:
		return s.handleImport()
	default:
		return errors.Wrapf(wire.ErrMalformedFrame, "unexpected op code %#x in OP_IDLE", h.Code)
	}
}

func (s *Session) handleDevlist() error {
	devices, err := s.deps.Enumerator.Enumerate()
	if err != nil {
		return errors.Wrap(err, "enumerate failed")
	}

	var records []wire.DeviceRecord
	var interfaces [][]wire.InterfaceRecord
	for _, dev := range devices {
		shared, err := s.deps.Registry.IsShared(context.Background(), dev.BusID)
		if err != nil || !shared {
			continue
		}
		records = append(records, toDeviceRecord(dev))
		ifaces := make([]wire.InterfaceRecord, len(dev.Interfaces))
		for i, iface := range dev.Interfaces {
			ifaces[i] = wire.InterfaceRecord{Class: iface.Class, SubClass: iface.SubClass, Protocol: iface.Protocol}
		}
		interfaces = append(interfaces, ifaces)
	}

	s.state = StateClosed
	return wire.WriteDevlistReply(s.conn, records, interfaces)
}

func (s *Session) handleImport() error {
	busID, err := wire.ReadImportRequest(s.conn)
	if err != nil {
		return err
	}
	s.busID = busID

	if ok, err := s.tryImport(busID); err != nil || !ok {
		s.deps.Metrics.ImportsTotal.WithLabelValues("failure").Inc()
		s.state = StateClosed
		return wire.WriteImportReplyFailure(s.conn)
	}

	if err := wire.WriteImportReplySuccess(s.conn, toDeviceRecord(s.dev)); err != nil {
		s.deps.Metrics.ImportsTotal.WithLabelValues("failure").Inc()
		s.teardownClaim()
		s.state = StateClosed
		return err
	}
	s.deps.Metrics.ImportsTotal.WithLabelValues("success").Inc()
	s.state = StateCmdMode
	return nil
}

// tryImport resolves busID to a device, checks sharing and attach
// exclusivity, then drives C2 through add_filter/run_filters/claim. Any
// failure leaves no filter installed; an attach mark already made here
// stays in place until teardown clears it.
func (s *Session) tryImport(busID string) (bool, error) {
	ctx := context.Background()
	shared, err := s.deps.Registry.IsShared(ctx, busID)
	if err != nil {
		return false, err
	}
	if !shared {
		return false, nil
	}

	devices, err := s.deps.Enumerator.Enumerate()
	if err != nil {
		return false, errors.Wrap(err, "enumerate failed")
	}
	var found *enumerate.Device
	for i := range devices {
		if devices[i].BusID == busID {
			found = &devices[i]
			break
		}
	}
	if found == nil {
		return false, nil
	}

	if err := s.deps.Registry.MarkAttached(busID, s.conn.RemoteAddr().String()); err != nil {
		return false, nil
	}
	// From here on, s.attached is true and the session's own teardown (not
	// this function) is responsible for the matching MarkDetached, even on
	// the failure paths below — see teardown's "if s.attached" branch.
	s.attached = true

	filterID, err := s.deps.Shim.AddFilter(*found)
	if err != nil {
		return false, errors.Wrap(err, "add_filter failed")
	}
	if err := s.deps.Shim.RunFilters(); err != nil {
		_ = s.deps.Shim.RemoveFilter(filterID)
		return false, errors.Wrap(err, "run_filters failed")
	}
	claimed, err := s.deps.Shim.Claim(*found, filterID)
	if err != nil {
		_ = s.deps.Shim.RemoveFilter(filterID)
		return false, errors.Wrap(err, "claim failed")
	}

	backend, err := s.deps.NewBackend(claimed)
	if err != nil {
		_ = claimed.Release()
		return false, errors.Wrap(err, "failed to start urb backend")
	}

	s.dev = *found
	s.claimed = claimed
	s.engine = urbengine.New(backend)
	s.devID = found.DevID()
	return true, nil
}

// runCmdPhase runs the reader and writer tasks for the lifetime of the
// attachment: exactly three task classes per attachment, the third being
// the completion pump that lives inside the urbengine.Backend.
func (s *Session) runCmdPhase(ctx context.Context) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writerLoop()
	}()

	s.readerLoop()

	close(s.outbound)
	<-writerDone
}

func (s *Session) readerLoop() {
	for {
		hdr, err := wire.ReadCmdHeader(s.conn)
		if err != nil {
			return
		}
		switch hdr.Command {
		case wire.CmdSubmit:
			s.handleSubmit(hdr)
		case wire.CmdUnlink:
			s.handleUnlink(hdr)
		default:
			level.Warn(s.logger).Log("msg", "unexpected command in CMD_MODE", "command", hdr.Command)
			return
		}
	}
}

func (s *Session) handleSubmit(hdr wire.CmdHeader) {
	decoded, err := wire.ReadSubmitBody(s.conn, hdr)
	if err != nil {
		level.Warn(s.logger).Log("msg", "malformed submit", "err", err)
		return
	}

	urb := &urbengine.Urb{
		Seqnum:     hdr.Seqnum,
		Endpoint:   uint8(hdr.Endpoint),
		Direction:  urbengine.Direction(hdr.Direction),
		Setup:      decoded.Setup,
		StartFrame: decoded.StartFrame,
		Interval:   decoded.Interval,
		Flags:      decoded.TransferFlags,
	}
	switch {
	case hdr.Endpoint == 0:
		urb.Type = urbengine.TypeCtrl
	case decoded.NumberOfPackets != wire.NonISO:
		urb.Type = urbengine.TypeIso
		urb.ISO = make([]urbengine.ISOPacketRequest, len(decoded.ISO))
		for i, d := range decoded.ISO {
			urb.ISO[i] = urbengine.ISOPacketRequest{Offset: d.Offset, Length: d.Length}
		}
	default:
		urb.Type = urbengine.TypeBulk
	}

	if hdr.Direction == wire.DirOut {
		urb.Buffer = decoded.Payload
	} else {
		urb.Buffer = make([]byte, decoded.TransferBufferLen)
	}

	s.deps.Metrics.URBsSubmittedTotal.WithLabelValues(urbTypeLabel(urb.Type)).Inc()
	if err := s.engine.Submit(urb); err != nil {
		s.deps.Metrics.URBsCompletedTotal.WithLabelValues("submit_failed").Inc()
		s.sendImmediateRetSubmit(hdr, errnoFor(err), 0, nil)
		return
	}
	s.deps.Metrics.URBsInFlight.Inc()
}

func urbTypeLabel(t urbengine.TransferType) string {
	switch t {
	case urbengine.TypeCtrl:
		return "ctrl"
	case urbengine.TypeBulk:
		return "bulk"
	case urbengine.TypeInt:
		return "int"
	case urbengine.TypeIso:
		return "iso"
	default:
		return "unknown"
	}
}

func (s *Session) handleUnlink(hdr wire.CmdHeader) {
	unlink, err := wire.ReadUnlinkBody(s.conn, hdr)
	if err != nil {
		level.Warn(s.logger).Log("msg", "malformed unlink", "err", err)
		return
	}

	outcome := s.engine.Unlink(unlink.UnlinkSeqnum)
	s.deps.Metrics.UnlinkRacesTotal.WithLabelValues(unlinkOutcomeLabel(outcome)).Inc()
	if outcome == urbengine.AlreadyCompleted {
		// The completion pump already dequeued this urb and its RET_SUBMIT
		// is already queued or sent; that's the one reply this seqnum gets.
		return
	}
	status := int32(0)
	if outcome != urbengine.Cancelled {
		status = -104 // ECONNRESET-style code for an unlink that raced a cancel
	}
	s.enqueue(func(w io.Writer) error {
		return wire.WriteRetUnlink(w, hdr, status)
	})
}

func unlinkOutcomeLabel(o urbengine.UnlinkOutcome) string {
	switch o {
	case urbengine.Cancelled:
		return "cancelled"
	case urbengine.AlreadyCompleted:
		return "already_completed"
	default:
		return "not_found"
	}
}

func (s *Session) sendImmediateRetSubmit(hdr wire.CmdHeader, status int32, actualLength uint32, payload []byte) {
	s.enqueue(func(w io.Writer) error {
		retHdr := wire.RetSubmitHeader{CmdHeader: hdr, Status: status, ActualLength: actualLength, NumberOfPackets: wire.NonISO}
		return wire.WriteRetSubmit(w, retHdr, payload, nil)
	})
}

func (s *Session) enqueue(fn func(io.Writer) error) {
	select {
	case s.outbound <- fn:
	case <-s.done:
	}
}

// writerLoop drains completions and immediate replies, writing them to the
// socket. The completion channel's own FIFO order is preserved by draining
// it in arrival order; no ordering is implied between the two sources
// ordering holds only within a single endpoint+direction.
func (s *Session) writerLoop() {
	completions := s.engine.Completions()
	for {
		select {
		case fn, ok := <-s.outbound:
			if !ok {
				s.drainRemainingCompletions(completions)
				return
			}
			if err := fn(s.conn); err != nil {
				return
			}
		case c, ok := <-completions:
			if !ok {
				continue
			}
			s.writeCompletion(c)
		}
	}
}

func (s *Session) drainRemainingCompletions(completions <-chan urbengine.Completion) {
	for {
		select {
		case c, ok := <-completions:
			if !ok {
				return
			}
			s.writeCompletion(c)
		default:
			return
		}
	}
}

func (s *Session) writeCompletion(c urbengine.Completion) {
	urb, ok := s.engine.Complete(c)
	if !ok {
		return // suppressed: an Unlink already won the race for this seqnum
	}
	s.deps.Metrics.URBsInFlight.Dec()
	if c.Status == 0 {
		s.deps.Metrics.URBsCompletedTotal.WithLabelValues("ok").Inc()
	} else {
		s.deps.Metrics.URBsCompletedTotal.WithLabelValues("error").Inc()
	}
	hdr := wire.CmdHeader{
		Seqnum:    c.Seqnum,
		DevID:     s.devID,
		Direction: uint32(urb.Direction),
		Endpoint:  uint32(urb.Endpoint),
	}
	var payload []byte
	if urb.Direction == urbengine.DirIn {
		n := c.ActualLength
		if int(n) > len(urb.Buffer) {
			n = uint32(len(urb.Buffer))
		}
		payload = urb.Buffer[:n]
	}
	var iso []wire.ISOPacketDescriptor
	if len(c.ISO) > 0 {
		iso = make([]wire.ISOPacketDescriptor, len(c.ISO))
		errCount := uint32(0)
		for i, r := range c.ISO {
			iso[i] = wire.ISOPacketDescriptor{Offset: r.Offset, Length: r.Length, ActualLength: r.ActualLength, Status: uint32(r.Status)}
			if r.Status != 0 {
				errCount++
			}
		}
		retHdr := wire.RetSubmitHeader{
			CmdHeader: hdr, Status: c.Status, ActualLength: c.ActualLength,
			StartFrame: c.StartFrame, NumberOfPackets: uint32(len(iso)), ErrorCount: errCount,
		}
		if err := wire.WriteRetSubmit(s.conn, retHdr, payload, iso); err != nil {
			level.Warn(s.logger).Log("msg", "failed to write ret_submit", "err", err)
		}
		return
	}
	retHdr := wire.RetSubmitHeader{CmdHeader: hdr, Status: c.Status, ActualLength: c.ActualLength, NumberOfPackets: wire.NonISO}
	if err := wire.WriteRetSubmit(s.conn, retHdr, payload, nil); err != nil {
		level.Warn(s.logger).Log("msg", "failed to write ret_submit", "err", err)
	}
}

// teardown runs the cancellation sequence in full even if an earlier step
// errors: cancel all outstanding urbs (taking them out of the in-flight
// map, so no RET_SUBMIT is written for them), close the URB backend, drop
// ClaimedDevice, mark detached. It does not wait for or drain the
// completions the backend delivers for the cancelled urbs.
func (s *Session) teardown() {
	close(s.done)
	if s.state != StateClosed {
		s.state = StateClosed
	}
	if s.engine != nil {
		n := s.engine.CancelAll()
		s.deps.Metrics.URBsInFlight.Sub(float64(n))
		s.engine.Close()
	}
	s.teardownClaim()
	if s.attached {
		s.deps.Registry.MarkDetached(s.busID)
	}
	_ = s.conn.Close()
}

func (s *Session) teardownClaim() {
	if s.claimed != nil {
		if err := s.claimed.Release(); err != nil {
			level.Warn(s.logger).Log("msg", "failed to release claimed device", "err", err)
		}
		s.claimed = nil
	}
}

func toDeviceRecord(dev enumerate.Device) wire.DeviceRecord {
	return wire.DeviceRecord{
		Path:               []byte(dev.Path),
		BusID:              []byte(dev.BusID),
		BusNum:             dev.BusNum,
		DevNum:             dev.DevNum,
		Speed:              uint32(dev.Speed),
		VendorID:           dev.VendorID,
		ProductID:          dev.ProductID,
		BCDDevice:          dev.BCDDevice,
		DeviceClass:        dev.DeviceClass,
		DeviceSubClass:     dev.DeviceSubClass,
		DeviceProtocol:     dev.DeviceProtocol,
		ConfigurationValue: dev.ConfigurationValue,
		NumConfigurations:  dev.NumConfigurations,
		NumInterfaces:      dev.NumInterfaces,
	}
}

// errnoFor maps an engine-level Submit failure to a wire status code; only
// EndpointHalted has a defined mapping today.
func errnoFor(err error) int32 {
	if errors.Is(err, urbengine.ErrEndpointHalted) {
		return -32 // EPIPE
	}
	return -5 // EIO
}
