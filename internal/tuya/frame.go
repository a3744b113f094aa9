// Package tuya speaks the Tuya local LAN protocol (version 3.3) to a smart
// plug: UDP discovery, framed TCP commands, AES-encrypted JSON payloads.
package tuya

import (
	"bytes"
	"crypto/aes"
	"crypto/md5"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Command codes.
const (
	CmdControl   uint32 = 7
	CmdStatus    uint32 = 8
	CmdHeartBeat uint32 = 9
	CmdDPQuery   uint32 = 10
	CmdDPRefresh uint32 = 18
	CmdUDP       uint32 = 0
	CmdUDPNew    uint32 = 19
)

const (
	framePrefix uint32 = 0x000055AA
	frameSuffix uint32 = 0x0000AA55

	headerLen  = 16
	trailerLen = 8

	// maxPayload guards against reading garbage lengths off the wire.
	maxPayload = 64 * 1024
)

// Version33 is the only protocol revision supported.
const Version33 = "3.3"

var (
	// ErrBadFrame is returned for frames with a wrong prefix, suffix, length
	// or checksum.
	ErrBadFrame = errors.New("tuya: bad frame")

	// ErrNotConnected is returned when a command is sent without a connection.
	ErrNotConnected = errors.New("tuya: not connected")
)

// udpKey decrypts broadcasts on port 6667.
var udpKey = md5.Sum([]byte("yGAdlopoPVldABfn"))

// version header prepended to encrypted CONTROL and heartbeat payloads.
var versionHeader = append([]byte(Version33), make([]byte, 12)...)

// Frame is a decoded protocol message.
type Frame struct {
	Seq     uint32
	Cmd     uint32
	RetCode uint32
	Payload []byte
}

// EncodeFrame builds an outbound frame around payload.
func EncodeFrame(seq, cmd uint32, payload []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, framePrefix)
	binary.Write(&buf, binary.BigEndian, seq)
	binary.Write(&buf, binary.BigEndian, cmd)
	binary.Write(&buf, binary.BigEndian, uint32(len(payload)+trailerLen))
	buf.Write(payload)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(buf.Bytes()))
	binary.Write(&buf, binary.BigEndian, frameSuffix)
	return buf.Bytes()
}

// ReadFrame reads one frame from r. Device replies carry a 4 byte return
// code before the payload.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	if binary.BigEndian.Uint32(header[0:]) != framePrefix {
		return Frame{}, fmt.Errorf("%w: prefix %x", ErrBadFrame, header[0:4])
	}
	length := binary.BigEndian.Uint32(header[12:])
	if length < trailerLen || length > maxPayload {
		return Frame{}, fmt.Errorf("%w: length %d", ErrBadFrame, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	return parseFrame(header[:], body)
}

// DecodeFrame parses a complete frame held in b, such as a UDP datagram.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < headerLen+trailerLen {
		return Frame{}, fmt.Errorf("%w: short datagram", ErrBadFrame)
	}
	if binary.BigEndian.Uint32(b[0:]) != framePrefix {
		return Frame{}, fmt.Errorf("%w: prefix %x", ErrBadFrame, b[0:4])
	}
	length := int(binary.BigEndian.Uint32(b[12:]))
	if length < trailerLen || headerLen+length > len(b) {
		return Frame{}, fmt.Errorf("%w: length %d", ErrBadFrame, length)
	}
	return parseFrame(b[:headerLen], b[headerLen:headerLen+length])
}

func parseFrame(header, body []byte) (Frame, error) {
	n := len(body)
	data := body[:n-trailerLen]
	crc := binary.BigEndian.Uint32(body[n-8:])
	if binary.BigEndian.Uint32(body[n-4:]) != frameSuffix {
		return Frame{}, fmt.Errorf("%w: suffix", ErrBadFrame)
	}

	sum := crc32.NewIEEE()
	sum.Write(header)
	sum.Write(data)
	if sum.Sum32() != crc {
		return Frame{}, fmt.Errorf("%w: checksum", ErrBadFrame)
	}

	f := Frame{
		Seq: binary.BigEndian.Uint32(header[4:]),
		Cmd: binary.BigEndian.Uint32(header[8:]),
	}
	// A return code is present when the high three bytes are zero.
	if len(data) >= 4 && binary.BigEndian.Uint32(data)&0xFFFFFF00 == 0 {
		f.RetCode = binary.BigEndian.Uint32(data)
		data = data[4:]
	}
	f.Payload = data
	return f, nil
}

// Encrypt pads plaintext (PKCS#7) and encrypts it with AES-128 in ECB mode.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("tuya cipher: %w", err)
	}
	bs := block.BlockSize()
	pad := bs - len(plaintext)%bs
	src := append(append([]byte(nil), plaintext...), bytes.Repeat([]byte{byte(pad)}, pad)...)

	out := make([]byte, len(src))
	for i := 0; i < len(src); i += bs {
		block.Encrypt(out[i:i+bs], src[i:i+bs])
	}
	return out, nil
}

// Decrypt reverses Encrypt.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("tuya cipher: %w", err)
	}
	bs := block.BlockSize()
	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrBadFrame, len(ciphertext))
	}

	out := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += bs {
		block.Decrypt(out[i:i+bs], ciphertext[i:i+bs])
	}
	pad := int(out[len(out)-1])
	if pad == 0 || pad > bs || pad > len(out) {
		return nil, fmt.Errorf("%w: padding", ErrBadFrame)
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("%w: padding", ErrBadFrame)
		}
	}
	return out[:len(out)-pad], nil
}

// EncodePayload encrypts a JSON payload for cmd with the device key.
func EncodePayload(key []byte, cmd uint32, plaintext []byte) ([]byte, error) {
	enc, err := Encrypt(key, plaintext)
	if err != nil {
		return nil, err
	}
	switch cmd {
	case CmdDPQuery, CmdDPRefresh:
		return enc, nil
	}
	return append(append([]byte(nil), versionHeader...), enc...), nil
}

// DecodePayload decrypts a device payload, stripping the version header if
// present. An empty payload decodes to nil.
func DecodePayload(key, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	if bytes.HasPrefix(payload, []byte(Version33)) {
		if len(payload) < len(versionHeader) {
			return nil, fmt.Errorf("%w: truncated header", ErrBadFrame)
		}
		payload = payload[len(versionHeader):]
		if len(payload) == 0 {
			return nil, nil
		}
	}
	// Some firmware answers with plain JSON.
	if payload[0] == '{' && json.Valid(payload) {
		return payload, nil
	}
	return Decrypt(key, payload)
}
