// Package framing drives golang.org/x/net/http2 framing and hpack as a push-style HTTP/2 server
// engine. Bytes received from the peer are handed to [Engine.Recv], which parses every complete
// frame and reports what it found through [Callbacks]. Everything the engine wants to send piles up
// in an output buffer that the owner drains with [Engine.Drain] and writes to the connection.
//
// An Engine is not safe for concurrent use. It is meant to be owned by a single session goroutine.
package framing

import (
	"bytes"
	"io"
	"math"
	"slices"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const (
	frameHeaderLen = 9

	// DefaultWindowSize is the initial flow control window of the connection and of new streams.
	DefaultWindowSize = 65535

	// DefaultMaxFrameSize is the largest frame payload the engine accepts.
	DefaultMaxFrameSize = 16384
)

var (
	// ErrPause may be returned from [Callbacks.OnDataChunk] to stop delivery. The chunk is kept and
	// offered again once [Engine.Recv] is called while paused.
	ErrPause = errors.New("framing: pause")

	// ErrPaused is returned by Recv while a data chunk is held back.
	ErrPaused = errors.New("framing: paused")
)

// Callbacks receive the frame level events of an Engine. Returning an error other than [ErrPause]
// is fatal for the connection.
type Callbacks interface {
	// OnBeginHeaders is called for the first header block of a new request stream.
	OnBeginHeaders(id uint32) error
	// OnHeader is called once per decoded header field, pseudo headers first.
	OnHeader(id uint32, f hpack.HeaderField) error
	// OnDataChunk is called with the payload of a DATA frame. p is only valid during the call.
	OnDataChunk(id uint32, p []byte) error
	// OnFrameRecv is called after a HEADERS or DATA frame has been fully processed.
	OnFrameRecv(id uint32, typ http2.FrameType, endStream bool) error
	// OnStreamClose is called once when a stream ends, either normally or because it was reset.
	OnStreamClose(id uint32, code http2.ErrCode) error
	// OnInvalidHeader is called when a header block is rejected. The stream is reset with a
	// PROTOCOL_ERROR and never begins.
	OnInvalidHeader(id uint32, err error)
}

// DataSource produces a response body. Read fills p and reports whether the body ends with it. A
// source that also implements io.Closer is closed if its stream is reset before the body ends.
type DataSource interface {
	Read(p []byte) (n int, eof bool, err error)
}

type stream struct {
	id uint32

	sendWindow int64
	recvWindow int64
	recvUnack  int64

	closedRemote bool
	closedLocal  bool
	source       DataSource
}

type paused struct {
	id        uint32
	data      []byte
	flowLen   int64
	endStream bool
}

// Engine is the server side of one HTTP/2 connection.
type Engine struct {
	cb   Callbacks
	logs *zap.Logger

	in   []byte
	feed feed
	out  bytes.Buffer
	fr   *http2.Framer

	hbuf bytes.Buffer
	enc  *hpack.Encoder

	prefaceDone  bool
	settingsSeen bool
	paused       *paused
	err          error

	maxConcurrent    uint32
	localWindow      int64
	peerWindow       int64
	peerMaxFrameSize uint32

	connSendWindow int64
	connRecvWindow int64
	connRecvUnack  int64

	streams      map[uint32]*stream
	sending      []uint32
	lastStreamID uint32
	goingAway    bool
	sendBuf      []byte
}

// New inits an engine that reports to cb.
func New(cb Callbacks, logs *zap.Logger) *Engine {
	e := &Engine{
		cb:               cb,
		logs:             logs,
		maxConcurrent:    math.MaxUint32,
		localWindow:      DefaultWindowSize,
		peerWindow:       DefaultWindowSize,
		peerMaxFrameSize: DefaultMaxFrameSize,
		connSendWindow:   DefaultWindowSize,
		connRecvWindow:   DefaultWindowSize,
		streams:          map[uint32]*stream{},
	}

	e.fr = http2.NewFramer(&e.out, &e.feed)
	e.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	e.fr.SetMaxReadFrameSize(DefaultMaxFrameSize)
	e.enc = hpack.NewEncoder(&e.hbuf)

	return e
}

// feed hands the framer exactly the bytes of the frames that are known to be complete.
type feed struct{ buf []byte }

func (f *feed) Read(p []byte) (int, error) {
	if len(f.buf) == 0 {
		return 0, io.EOF
	}

	n := copy(p, f.buf)
	f.buf = f.buf[n:]

	return n, nil
}

// SubmitSettings queues a SETTINGS frame and applies the values that constrain the peer.
func (e *Engine) SubmitSettings(settings ...http2.Setting) error {
	for _, s := range settings {
		if err := s.Valid(); err != nil {
			return errors.Wrapf(err, "setting %s", s)
		}

		switch s.ID {
		case http2.SettingMaxConcurrentStreams:
			e.maxConcurrent = s.Val
		case http2.SettingInitialWindowSize:
			delta := int64(s.Val) - e.localWindow
			e.localWindow = int64(s.Val)
			for _, st := range e.streams {
				st.recvWindow += delta
			}
		}
	}

	return errors.Wrap(e.fr.WriteSettings(settings...), "write settings")
}

// Paused reports whether a data chunk is held back.
func (e *Engine) Paused() bool { return e.paused != nil }

// NumStreams returns the number of streams that have not closed yet.
func (e *Engine) NumStreams() int { return len(e.streams) }

// LastStreamID returns the highest stream id the peer opened.
func (e *Engine) LastStreamID() uint32 { return e.lastStreamID }

// Sending returns the number of streams with response data that is still waiting for flow control.
func (e *Engine) Sending() int { return len(e.sending) }

// WantWrite reports whether there is output to drain.
func (e *Engine) WantWrite() bool { return e.out.Len() > 0 }

// Drain returns the pending output and clears it.
func (e *Engine) Drain() []byte {
	if e.out.Len() == 0 {
		return nil
	}

	out := bytes.Clone(e.out.Bytes())
	e.out.Reset()

	return out
}

// Recv consumes bytes received from the peer. Passing nil while paused offers the held back chunk
// again and continues with the input that was buffered behind it.
func (e *Engine) Recv(p []byte) error {
	if e.err != nil {
		return e.err
	}

	e.in = append(e.in, p...)

	if e.paused != nil {
		if err := e.redeliver(); err != nil {
			return e.fail(err)
		}
	}

	for e.paused == nil {
		ok, err := e.step()
		if err != nil {
			return e.fail(err)
		} else if !ok {
			break
		}
	}

	if e.paused != nil {
		return ErrPaused
	}

	return nil
}

func (e *Engine) fail(err error) error {
	if errors.Is(err, ErrPaused) {
		return err
	}

	code := http2.ErrCodeInternal

	var connErr http2.ConnectionError
	if errors.As(err, &connErr) {
		code = http2.ErrCode(connErr)
	}

	e.logs.Debug("connection failed", zap.Stringer("code", code), zap.Error(err))
	e.fr.WriteGoAway(e.lastStreamID, code, []byte(err.Error()))

	e.err = err

	return err
}

// step processes at most one frame. It reports false when the input holds no complete frame.
func (e *Engine) step() (bool, error) {
	if !e.prefaceDone {
		if len(e.in) < len(http2.ClientPreface) {
			if !bytes.HasPrefix([]byte(http2.ClientPreface), e.in) {
				return false, errors.Wrap(http2.ConnectionError(http2.ErrCodeProtocol), "invalid client preface")
			}

			return false, nil
		}

		if string(e.in[:len(http2.ClientPreface)]) != http2.ClientPreface {
			return false, errors.Wrap(http2.ConnectionError(http2.ErrCodeProtocol), "invalid client preface")
		}

		e.in = e.in[len(http2.ClientPreface):]
		e.prefaceDone = true
	}

	size, ok, err := e.completeFrames()
	if err != nil || !ok {
		return false, err
	}

	e.feed.buf = e.in[:size]
	frame, err := e.fr.ReadFrame()
	e.in = e.in[size:]
	e.feed.buf = nil

	if err != nil {
		var streamErr http2.StreamError
		if errors.As(err, &streamErr) {
			return true, e.streamError(streamErr)
		}

		return false, errors.Wrap(err, "read frame")
	}

	if !e.settingsSeen {
		if _, ok := frame.(*http2.SettingsFrame); !ok {
			return false, errors.Wrap(http2.ConnectionError(http2.ErrCodeProtocol), "first frame is not SETTINGS")
		}

		e.settingsSeen = true
	}

	return true, e.process(frame)
}

// completeFrames returns the size of the next frame, including the CONTINUATION frames that finish
// its header block. It reports false if those bytes have not all arrived.
func (e *Engine) completeFrames() (int, bool, error) {
	off, first := 0, true

	for {
		if len(e.in) < off+frameHeaderLen {
			return 0, false, nil
		}

		hdr := e.in[off : off+frameHeaderLen]
		length := int(hdr[0])<<16 | int(hdr[1])<<8 | int(hdr[2])
		typ, flags := http2.FrameType(hdr[3]), http2.Flags(hdr[4])

		if length > DefaultMaxFrameSize {
			return 0, false, errors.Wrapf(http2.ConnectionError(http2.ErrCodeFrameSize), "frame of %d bytes", length)
		}

		if len(e.in) < off+frameHeaderLen+length {
			return 0, false, nil
		}

		off += frameHeaderLen + length

		switch {
		case first && typ != http2.FrameHeaders && typ != http2.FramePushPromise:
			return off, true, nil
		case flags.Has(http2.FlagHeadersEndHeaders):
			return off, true, nil
		}

		first = false
	}
}

func (e *Engine) streamError(se http2.StreamError) error {
	e.logs.Debug("stream error", zap.Uint32("stream_id", se.StreamID), zap.Error(se))

	if se.StreamID > e.lastStreamID && se.StreamID%2 == 1 {
		// the header block was rejected before the stream began
		e.lastStreamID = se.StreamID
		e.cb.OnInvalidHeader(se.StreamID, se)
	}

	return e.SubmitRSTStream(se.StreamID, se.Code)
}

func (e *Engine) process(frame http2.Frame) error {
	switch f := frame.(type) {
	case *http2.SettingsFrame:
		return e.processSettings(f)
	case *http2.PingFrame:
		if f.IsAck() {
			return nil
		}

		return errors.Wrap(e.fr.WritePing(true, f.Data), "write ping ack")
	case *http2.WindowUpdateFrame:
		return e.processWindowUpdate(f)
	case *http2.RSTStreamFrame:
		if _, ok := e.streams[f.StreamID]; ok {
			return e.closeStream(f.StreamID, f.ErrCode)
		}

		if f.StreamID > e.lastStreamID {
			return errors.Wrapf(http2.ConnectionError(http2.ErrCodeProtocol), "RST_STREAM on idle stream %d", f.StreamID)
		}

		return nil
	case *http2.GoAwayFrame:
		e.logs.Debug("peer sent GOAWAY", zap.Stringer("code", f.ErrCode), zap.Uint32("last_stream_id", f.LastStreamID))
		return nil
	case *http2.MetaHeadersFrame:
		return e.processHeaders(f)
	case *http2.DataFrame:
		return e.processData(f)
	case *http2.PushPromiseFrame:
		return errors.Wrap(http2.ConnectionError(http2.ErrCodeProtocol), "client sent PUSH_PROMISE")
	default:
		// PRIORITY and unknown frame types
		return nil
	}
}

func (e *Engine) processSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}

	err := f.ForeachSetting(func(s http2.Setting) error {
		if err := s.Valid(); err != nil {
			return err
		}

		switch s.ID {
		case http2.SettingInitialWindowSize:
			delta := int64(s.Val) - e.peerWindow
			e.peerWindow = int64(s.Val)

			for _, st := range e.streams {
				st.sendWindow += delta
				if st.sendWindow > math.MaxInt32 {
					return http2.ConnectionError(http2.ErrCodeFlowControl)
				}
			}
		case http2.SettingMaxFrameSize:
			e.peerMaxFrameSize = s.Val
		case http2.SettingHeaderTableSize:
			e.enc.SetMaxDynamicTableSizeLimit(s.Val)
		}

		return nil
	})
	if err != nil {
		return errors.Wrap(err, "apply settings")
	}

	if err := e.fr.WriteSettingsAck(); err != nil {
		return errors.Wrap(err, "write settings ack")
	}

	return e.pump()
}

func (e *Engine) processWindowUpdate(f *http2.WindowUpdateFrame) error {
	if f.StreamID == 0 {
		e.connSendWindow += int64(f.Increment)
		if e.connSendWindow > math.MaxInt32 {
			return errors.Wrap(http2.ConnectionError(http2.ErrCodeFlowControl), "connection window overflow")
		}

		return e.pump()
	}

	st, ok := e.streams[f.StreamID]
	if !ok {
		return nil
	}

	st.sendWindow += int64(f.Increment)
	if st.sendWindow > math.MaxInt32 {
		return e.SubmitRSTStream(f.StreamID, http2.ErrCodeFlowControl)
	}

	return e.pump()
}

func (e *Engine) processHeaders(f *http2.MetaHeadersFrame) error {
	id := f.StreamID
	if id%2 == 0 {
		return errors.Wrapf(http2.ConnectionError(http2.ErrCodeProtocol), "even stream id %d", id)
	}

	if st, ok := e.streams[id]; ok {
		// trailers
		if st.closedRemote {
			return e.SubmitRSTStream(id, http2.ErrCodeStreamClosed)
		}

		if !f.StreamEnded() {
			return e.SubmitRSTStream(id, http2.ErrCodeProtocol)
		}

		return e.endRemote(st, http2.FrameHeaders)
	}

	if id <= e.lastStreamID {
		return errors.Wrapf(http2.ConnectionError(http2.ErrCodeStreamClosed), "HEADERS on closed stream %d", id)
	}

	e.lastStreamID = id

	if e.goingAway {
		return errors.Wrap(e.fr.WriteRSTStream(id, http2.ErrCodeRefusedStream), "write rst")
	}

	if uint32(len(e.streams)) >= e.maxConcurrent {
		e.logs.Debug("refusing stream", zap.Uint32("stream_id", id), zap.Int("open", len(e.streams)))
		return errors.Wrap(e.fr.WriteRSTStream(id, http2.ErrCodeRefusedStream), "write rst")
	}

	st := &stream{
		id:         id,
		sendWindow: e.peerWindow,
		recvWindow: e.localWindow,
	}
	e.streams[id] = st

	if err := e.cb.OnBeginHeaders(id); err != nil {
		return errors.Wrap(err, "begin headers")
	}

	for _, hf := range f.Fields {
		if err := e.cb.OnHeader(id, hf); err != nil {
			return errors.Wrap(err, "header")
		}
	}

	if f.StreamEnded() {
		return e.endRemote(st, http2.FrameHeaders)
	}

	return errors.Wrap(e.cb.OnFrameRecv(id, http2.FrameHeaders, false), "frame recv")
}

func (e *Engine) processData(f *http2.DataFrame) error {
	flowLen := int64(f.Header().Length)

	if flowLen > e.connRecvWindow {
		return errors.Wrap(http2.ConnectionError(http2.ErrCodeFlowControl), "connection window exceeded")
	}

	e.connRecvWindow -= flowLen

	st, ok := e.streams[f.StreamID]
	if !ok || st.closedRemote {
		if err := e.consumeConn(flowLen); err != nil {
			return err
		}

		if !ok && f.StreamID > e.lastStreamID {
			return errors.Wrapf(http2.ConnectionError(http2.ErrCodeProtocol), "DATA on idle stream %d", f.StreamID)
		}

		return e.SubmitRSTStream(f.StreamID, http2.ErrCodeStreamClosed)
	}

	if flowLen > st.recvWindow {
		if err := e.consumeConn(flowLen); err != nil {
			return err
		}

		return e.SubmitRSTStream(f.StreamID, http2.ErrCodeFlowControl)
	}

	st.recvWindow -= flowLen

	data := f.Data()
	if len(data) > 0 {
		err := e.cb.OnDataChunk(st.id, data)
		if errors.Is(err, ErrPause) {
			e.paused = &paused{id: st.id, data: bytes.Clone(data), flowLen: flowLen, endStream: f.StreamEnded()}
			return nil
		} else if err != nil {
			return errors.Wrap(err, "data chunk")
		}
	}

	return e.afterData(st, flowLen, f.StreamEnded())
}

func (e *Engine) redeliver() error {
	p := e.paused

	st, ok := e.streams[p.id]
	if !ok {
		// the stream was reset while its chunk was held
		e.paused = nil

		return e.consumeConn(p.flowLen)
	}

	err := e.cb.OnDataChunk(p.id, p.data)
	if errors.Is(err, ErrPause) {
		return nil
	} else if err != nil {
		return errors.Wrap(err, "data chunk")
	}

	e.paused = nil

	return e.afterData(st, p.flowLen, p.endStream)
}

func (e *Engine) afterData(st *stream, flowLen int64, endStream bool) error {
	if err := e.consumeConn(flowLen); err != nil {
		return err
	}

	if endStream {
		return e.endRemote(st, http2.FrameData)
	}

	st.recvUnack += flowLen
	if st.recvUnack >= e.localWindow/2 {
		if err := e.fr.WriteWindowUpdate(st.id, uint32(st.recvUnack)); err != nil {
			return errors.Wrap(err, "write window update")
		}

		st.recvWindow += st.recvUnack
		st.recvUnack = 0
	}

	return errors.Wrap(e.cb.OnFrameRecv(st.id, http2.FrameData, false), "frame recv")
}

func (e *Engine) consumeConn(n int64) error {
	e.connRecvUnack += n
	if e.connRecvUnack >= DefaultWindowSize/2 {
		if err := e.fr.WriteWindowUpdate(0, uint32(e.connRecvUnack)); err != nil {
			return errors.Wrap(err, "write connection window update")
		}

		e.connRecvWindow += e.connRecvUnack
		e.connRecvUnack = 0
	}

	return nil
}

func (e *Engine) endRemote(st *stream, typ http2.FrameType) error {
	st.closedRemote = true

	if err := e.cb.OnFrameRecv(st.id, typ, true); err != nil {
		return errors.Wrap(err, "frame recv")
	}

	if st.closedLocal {
		return e.closeStream(st.id, http2.ErrCodeNo)
	}

	return nil
}

func (e *Engine) closeStream(id uint32, code http2.ErrCode) error {
	if c, ok := e.streams[id].source.(io.Closer); ok {
		c.Close()
	}

	delete(e.streams, id)
	e.sending = slices.DeleteFunc(e.sending, func(v uint32) bool { return v == id })

	return errors.Wrap(e.cb.OnStreamClose(id, code), "stream close")
}

// SubmitResponse queues the response header block for stream id. A nil src ends the stream with the
// headers, otherwise the body is pulled from src as flow control allows.
func (e *Engine) SubmitResponse(id uint32, fields []hpack.HeaderField, src DataSource) error {
	st, ok := e.streams[id]
	if !ok {
		return errors.Newf("stream %d is not open", id)
	}

	if st.closedLocal || st.source != nil {
		return errors.Newf("stream %d already has a response", id)
	}

	e.hbuf.Reset()
	for _, f := range fields {
		if err := e.enc.WriteField(f); err != nil {
			return errors.Wrap(err, "encode header")
		}
	}

	block := e.hbuf.Bytes()
	maxFrame := int(e.peerMaxFrameSize)

	first := true
	for first || len(block) > 0 {
		frag := block[:min(len(block), maxFrame)]
		block = block[len(frag):]

		var err error
		if first {
			err = e.fr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      id,
				BlockFragment: frag,
				EndStream:     src == nil,
				EndHeaders:    len(block) == 0,
			})
		} else {
			err = e.fr.WriteContinuation(id, len(block) == 0, frag)
		}

		if err != nil {
			return errors.Wrap(err, "write headers")
		}

		first = false
	}

	if src == nil {
		return e.endLocal(st)
	}

	st.source = src
	e.sending = append(e.sending, id)

	return e.pump()
}

func (e *Engine) endLocal(st *stream) error {
	st.closedLocal = true
	st.source = nil
	e.sending = slices.DeleteFunc(e.sending, func(v uint32) bool { return v == st.id })

	if st.closedRemote {
		return e.closeStream(st.id, http2.ErrCodeNo)
	}

	return nil
}

// pump writes DATA frames for every stream with a body while the flow control windows allow it.
func (e *Engine) pump() error {
	if cap(e.sendBuf) < int(e.peerMaxFrameSize) {
		e.sendBuf = make([]byte, e.peerMaxFrameSize)
	}

	for _, id := range slices.Clone(e.sending) {
		st := e.streams[id]

		for st.source != nil && e.connSendWindow > 0 && st.sendWindow > 0 {
			limit := min(int64(e.peerMaxFrameSize), e.connSendWindow, st.sendWindow)

			n, eof, err := st.source.Read(e.sendBuf[:limit])
			if err != nil {
				e.logs.Debug("response body failed", zap.Uint32("stream_id", id), zap.Error(err))
				if err := e.SubmitRSTStream(id, http2.ErrCodeInternal); err != nil {
					return err
				}

				break
			}

			if n == 0 && !eof {
				break
			}

			if err := e.fr.WriteData(id, eof, e.sendBuf[:n]); err != nil {
				return errors.Wrap(err, "write data")
			}

			e.connSendWindow -= int64(n)
			st.sendWindow -= int64(n)

			if eof {
				if err := e.endLocal(st); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// SubmitRSTStream resets stream id. Callbacks learn about it through OnStreamClose.
func (e *Engine) SubmitRSTStream(id uint32, code http2.ErrCode) error {
	if err := e.fr.WriteRSTStream(id, code); err != nil {
		return errors.Wrap(err, "write rst")
	}

	if _, ok := e.streams[id]; ok {
		return e.closeStream(id, code)
	}

	return nil
}

// SubmitGoAway tells the peer that no stream after the last one it opened will be processed. Streams
// opened later are refused.
func (e *Engine) SubmitGoAway(code http2.ErrCode, debug string) error {
	e.goingAway = true

	return errors.Wrap(e.fr.WriteGoAway(e.lastStreamID, code, []byte(debug)), "write goaway")
}
