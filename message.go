package seeknet

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Tag bytes that open every request.
const (
	TagSeek byte = 0xFE
	TagRead byte = 0xFF
)

// Status bytes that open a seek response.
const (
	statusOK     byte = 0x00
	statusFailed byte = 0x01
)

// Fixed body lengths. A message is delimited by its tag alone; there is no
// length prefix.
const (
	seekBodyLength  = 9
	readBodyLength  = 8
	countLength     = 8
	positionLength  = 8
	seekRequestSize = 1 + seekBodyLength
	readRequestSize = 1 + readBodyLength
)

// Protocol errors. They are never sent to the peer.
var (
	// ErrShortFrame is returned when a fixed-size body could not be read in full.
	ErrShortFrame = errors.New("short frame")
	// ErrInvalidOrigin is returned when a seek body carries an unknown origin byte.
	ErrInvalidOrigin = errors.New("invalid seek origin")
	// ErrUnknownTag is returned for a tag byte that opens no known request.
	ErrUnknownTag = errors.New("unknown request tag")
	// ErrInvalidStatus is returned when a seek response starts with an unknown status byte.
	ErrInvalidStatus = errors.New("invalid seek status")
	// ErrInvalidCount is returned when a read response claims more real bytes than requested.
	ErrInvalidCount = errors.New("invalid read count")
)

// Origin selects what a seek offset is relative to.
type Origin byte

const (
	// OriginStart makes the offset an absolute position.
	OriginStart Origin = 0
	// OriginEnd makes the offset a delta from the end of the resource.
	OriginEnd Origin = 1
	// OriginCurrent makes the offset a delta from the current position.
	OriginCurrent Origin = 2
)

func (o Origin) String() string {
	switch o {
	case OriginStart:
		return "start"
	case OriginEnd:
		return "end"
	case OriginCurrent:
		return "current"
	default:
		return fmt.Sprintf("unknown(%d)", byte(o))
	}
}

// Valid reports whether o is one of the three known origins.
func (o Origin) Valid() bool {
	return o <= OriginCurrent
}

// Whence maps o to the io.Seek* constant.
func (o Origin) Whence() int {
	switch o {
	case OriginEnd:
		return io.SeekEnd
	case OriginCurrent:
		return io.SeekCurrent
	default:
		return io.SeekStart
	}
}

// OriginFromWhence maps an io.Seek* constant to an Origin.
func OriginFromWhence(whence int) (Origin, error) {
	switch whence {
	case io.SeekStart:
		return OriginStart, nil
	case io.SeekEnd:
		return OriginEnd, nil
	case io.SeekCurrent:
		return OriginCurrent, nil
	default:
		return 0, errors.Wrapf(ErrInvalidOrigin, "whence %d", whence)
	}
}

// Request is one of SeekRequest or ReadRequest.
type Request interface {
	// Tag returns the tag byte that opens the request on the wire.
	Tag() byte
	// Encode returns the complete wire form, tag included.
	Encode() []byte
}

// SeekRequest asks the server to reposition the resource.
type SeekRequest struct {
	Origin Origin
	// Offset is the absolute target for OriginStart and a signed delta otherwise.
	Offset int64
}

// Tag implements Request.
func (SeekRequest) Tag() byte { return TagSeek }

// Encode returns [0xFE][origin][offset:8 BE signed].
func (r SeekRequest) Encode() []byte {
	buf := make([]byte, seekRequestSize)
	buf[0] = TagSeek
	buf[1] = byte(r.Origin)
	binary.BigEndian.PutUint64(buf[2:], uint64(r.Offset))
	return buf
}

// ParseSeekRequest decodes the 9-byte body that follows a seek tag.
func ParseSeekRequest(body []byte) (SeekRequest, error) {
	if len(body) != seekBodyLength {
		return SeekRequest{}, errors.Wrapf(ErrShortFrame, "seek body has %d bytes", len(body))
	}

	origin := Origin(body[0])
	if !origin.Valid() {
		return SeekRequest{}, errors.Wrapf(ErrInvalidOrigin, "origin byte %d", body[0])
	}

	return SeekRequest{
		Origin: origin,
		Offset: int64(binary.BigEndian.Uint64(body[1:])),
	}, nil
}

// ReadRequest asks the server for up to Amount bytes from the current position.
type ReadRequest struct {
	Amount uint64
}

// Tag implements Request.
func (ReadRequest) Tag() byte { return TagRead }

// Encode returns [0xFF][amount:8 BE unsigned].
func (r ReadRequest) Encode() []byte {
	buf := make([]byte, readRequestSize)
	buf[0] = TagRead
	binary.BigEndian.PutUint64(buf[1:], r.Amount)
	return buf
}

// ParseReadRequest decodes the 8-byte body that follows a read tag.
func ParseReadRequest(body []byte) (ReadRequest, error) {
	if len(body) != readBodyLength {
		return ReadRequest{}, errors.Wrapf(ErrShortFrame, "read body has %d bytes", len(body))
	}
	return ReadRequest{Amount: binary.BigEndian.Uint64(body)}, nil
}

// ReadRequestBody reads the fixed body that belongs to tag and decodes it.
// The tag byte itself must already have been consumed from r.
func ReadRequestBody(tag byte, r io.Reader) (Request, error) {
	switch tag {
	case TagSeek:
		var body [seekBodyLength]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return nil, errors.Wrapf(ErrShortFrame, "seek body: %v", err)
		}
		return ParseSeekRequest(body[:])
	case TagRead:
		var body [readBodyLength]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return nil, errors.Wrapf(ErrShortFrame, "read body: %v", err)
		}
		return ParseReadRequest(body[:])
	default:
		return nil, errors.Wrapf(ErrUnknownTag, "tag 0x%02x", tag)
	}
}

// SeekResponse answers a SeekRequest.
type SeekResponse struct {
	// Position is the new absolute position. Meaningless when Failed is set.
	Position uint64
	Failed   bool
}

// Encode returns [0x00][pos:8 BE] on success and [0x01] on failure.
func (r SeekResponse) Encode() []byte {
	if r.Failed {
		return []byte{statusFailed}
	}
	buf := make([]byte, 1+positionLength)
	buf[0] = statusOK
	binary.BigEndian.PutUint64(buf[1:], r.Position)
	return buf
}

// DecodeSeekResponse reads one seek response from r.
func DecodeSeekResponse(r io.Reader) (SeekResponse, error) {
	var status [1]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return SeekResponse{}, err
	}

	switch status[0] {
	case statusFailed:
		return SeekResponse{Failed: true}, nil
	case statusOK:
		var pos [positionLength]byte
		if _, err := io.ReadFull(r, pos[:]); err != nil {
			return SeekResponse{}, errors.Wrap(err, "seek position")
		}
		return SeekResponse{Position: binary.BigEndian.Uint64(pos[:])}, nil
	default:
		return SeekResponse{}, errors.Wrapf(ErrInvalidStatus, "status byte %d", status[0])
	}
}

// ReadResponse answers a ReadRequest. Payload is always Amount bytes long;
// only Payload[:Produced] is real data.
type ReadResponse struct {
	Payload  []byte
	Produced uint64
}

// Valid returns the real bytes of the payload.
func (r ReadResponse) Valid() []byte {
	return r.Payload[:r.Produced]
}

// EncodeReadResponse returns real ++ zero padding up to amount ++ [len(real):8 BE].
// real is truncated to amount if it is longer.
func EncodeReadResponse(real []byte, amount uint64) []byte {
	if uint64(len(real)) > amount {
		real = real[:amount]
	}
	buf := make([]byte, amount+countLength)
	copy(buf, real)
	binary.BigEndian.PutUint64(buf[amount:], uint64(len(real)))
	return buf
}

// DecodeReadResponse fills payload with the padded payload of a response to a
// ReadRequest of len(payload) bytes and returns the trailing real-byte count.
func DecodeReadResponse(r io.Reader, payload []byte) (uint64, error) {
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, errors.Wrap(err, "read payload")
	}

	var count [countLength]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return 0, errors.Wrap(err, "read count")
	}

	produced := binary.BigEndian.Uint64(count[:])
	if produced > uint64(len(payload)) {
		return 0, errors.Wrapf(ErrInvalidCount, "%d real bytes for a %d byte read", produced, len(payload))
	}
	return produced, nil
}

// writeReadTrailer writes the real-byte count that closes a read response.
func writeReadTrailer(w io.Writer, produced uint64) error {
	var count [countLength]byte
	binary.BigEndian.PutUint64(count[:], produced)
	_, err := w.Write(count[:])
	return err
}

// zeroChunk is the filler source for padded read payloads.
var zeroChunk [32 * 1024]byte

// writeZeros writes n zero bytes to w.
func writeZeros(w io.Writer, n uint64) error {
	for n > 0 {
		chunk := uint64(len(zeroChunk))
		if n < chunk {
			chunk = n
		}
		if _, err := w.Write(zeroChunk[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
