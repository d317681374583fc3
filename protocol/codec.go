package protocol

import (
	"bufio"
	"encoding/binary"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const (
	// MaxFrameSize bounds a single length prefixed frame.
	MaxFrameSize = 32 << 20

	frameHeaderSize = 4

	// Delimiter terminates every message on a tracker connection.
	Delimiter = '\n'
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode 编码成 [tag, args...] 形式的json数组
func Encode(msg Message) ([]byte, error) {
	arr := append([]interface{}{msg.Tag()}, msg.args()...)
	bz, err := json.Marshal(arr)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", msg.Tag())
	}
	return bz, nil
}

// Decode parses one message and runs ValidateBasic on it. A tag outside the
// protocol yields ErrUnknownTag, anything else that fails ErrMalformedMessage.
func Decode(bz []byte) (Message, error) {
	var raw []jsoniter.RawMessage
	if err := json.Unmarshal(bz, &raw); err != nil {
		return nil, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	if len(raw) == 0 {
		return nil, errors.Wrap(ErrMalformedMessage, "empty array")
	}
	var tag Tag
	if err := json.Unmarshal(raw[0], &tag); err != nil {
		return nil, errors.Wrap(ErrMalformedMessage, "tag is not a string")
	}
	args := raw[1:]

	var (
		msg Message
		err error
	)
	switch tag {
	case TagReqChain:
		m := &ReqChainMessage{}
		msg, err = m, decodeArgs(args, 0, &m.From)
	case TagRecvChain:
		m := &RecvChainMessage{}
		msg, err = m, decodeArgs(args, 1, &m.Blocks, &m.From)
	case TagNewBlock:
		m := &NewBlockMessage{}
		msg, err = m, decodeArgs(args, 1, &m.Block, &m.From)
	case TagBlockStatus:
		m := &BlockStatusMessage{}
		msg, err = m, decodeArgs(args, 2, &m.BlockID, &m.Accepted, &m.From)
	case TagBlockReject:
		m := &BlockRejectMessage{}
		msg, err = m, decodeArgs(args, 1, &m.BlockID, &m.From)
	case TagJoinNetwork:
		m := &JoinNetworkMessage{}
		msg, err = m, decodeArgs(args, 1, &m.Addr)
	case TagLeaveNetwork:
		m := &LeaveNetworkMessage{}
		msg, err = m, decodeArgs(args, 1, &m.Addr)
	case TagListPeers:
		m := &ListPeersMessage{}
		msg, err = m, decodeArgs(args, 1, &m.Addr)
	case TagCastVote:
		m := &CastVoteMessage{}
		msg, err = m, decodeArgs(args, 2, &m.Vote, &m.Attack)
	case TagTallyVote:
		m := &TallyVoteMessage{}
		msg, err = m, decodeArgs(args, 0)
	case TagTransactionStatus:
		m := &TransactionStatusMessage{}
		msg, err = m, decodeArgs(args, 1, &m.Committed)
	case TagReturnedBlockchain:
		m := &ReturnedBlockchainMessage{}
		msg, err = m, decodeArgs(args, 1, &m.Blocks)
	case TagAppLeaveNetwork:
		m := &AppLeaveNetworkMessage{}
		msg, err = m, decodeArgs(args, 0)
	default:
		return nil, errors.Wrapf(ErrUnknownTag, "%q", string(tag))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", tag)
	}
	if err := msg.ValidateBasic(); err != nil {
		return nil, errors.Wrapf(ErrMalformedMessage, "%s: %v", tag, err)
	}
	return msg, nil
}

// decodeArgs 前required个参数必须存在，剩下的是可选参数
func decodeArgs(args []jsoniter.RawMessage, required int, dst ...interface{}) error {
	if len(args) < required || len(args) > len(dst) {
		return errors.Wrapf(ErrMalformedMessage, "want %d..%d args, got %d", required, len(dst), len(args))
	}
	for i, a := range args {
		if err := json.Unmarshal(a, dst[i]); err != nil {
			return errors.Wrapf(ErrMalformedMessage, "arg %d: %v", i, err)
		}
	}
	return nil
}

// EncodePeerList encodes the tracker's LIST_PEERS reply, a bare array of addresses.
func EncodePeerList(addrs []string) ([]byte, error) {
	if addrs == nil {
		addrs = []string{}
	}
	return json.Marshal(addrs)
}

func DecodePeerList(bz []byte) ([]string, error) {
	var addrs []string
	if err := json.Unmarshal(bz, &addrs); err != nil {
		return nil, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	return addrs, nil
}

//------------------------------------------------------------
// framing

// WriteFrame writes a 4 byte big endian length followed by the payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return errors.Wrapf(ErrFrameTooLarge, "%d bytes", len(payload))
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "read frame payload")
	}
	return payload, nil
}

// WriteMsg encodes msg into a single length prefixed frame.
func WriteMsg(w io.Writer, msg Message) error {
	bz, err := Encode(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, bz)
}

func ReadMsg(r io.Reader) (Message, error) {
	bz, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(bz)
}

// WriteLine writes payload followed by the delimiter, used on tracker connections.
func WriteLine(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, Delimiter)
	_, err := w.Write(buf)
	return err
}

// ReadLine reads up to the next delimiter and strips it.
func ReadLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes(Delimiter)
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return line[:len(line)-1], nil
}
