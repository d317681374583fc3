package protocol

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"votechain/types"
)

func sealedBlock(t *testing.T) *types.Block {
	t.Helper()
	b := types.NewBlock(&types.VoteRecord{VoterID: "u1", Vote: "A", Timestamp: 1, Name: "n"}, types.SentinelHash)
	b.Seal()
	return b
}

func TestEncodeShape(t *testing.T) {
	cases := []struct {
		msg  Message
		want string
	}{
		{&TallyVoteMessage{}, `["TALLY_VOTE"]`},
		{&AppLeaveNetworkMessage{}, `["APP_LEAVE_NETWORK"]`},
		{&TransactionStatusMessage{Committed: true}, `["TRANSACTION_STATUS",true]`},
		{&JoinNetworkMessage{Addr: "10.0.0.1:5000"}, `["JOIN_NETWORK","10.0.0.1:5000"]`},
		{&ListPeersMessage{Addr: "a:1"}, `["LIST_PEERS","a:1"]`},
		{&ReqChainMessage{}, `["REQ_CHAIN"]`},
		{&ReqChainMessage{sender{From: "a:1"}}, `["REQ_CHAIN","a:1"]`},
		{&BlockStatusMessage{BlockID: "x", Accepted: false, sender: sender{From: "a:1"}}, `["BLOCK_STATUS","x",false,"a:1"]`},
		{&BlockRejectMessage{BlockID: "x"}, `["BLOCK_REJECT","x"]`},
		{&ReturnedBlockchainMessage{}, `["RETURNED_BLOCKCHAIN",[]]`},
	}
	for _, c := range cases {
		bz, err := Encode(c.msg)
		require.NoError(t, err)
		assert.Equal(t, c.want, string(bz))
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	b := sealedBlock(t)
	msgs := []Message{
		&ReqChainMessage{sender{From: "127.0.0.1:5000"}},
		&RecvChainMessage{Blocks: []*types.Block{b}, sender: sender{From: "127.0.0.1:5000"}},
		&NewBlockMessage{Block: b, sender: sender{From: "127.0.0.1:5001"}},
		&BlockStatusMessage{BlockID: b.ID, Accepted: true, sender: sender{From: "127.0.0.1:5002"}},
		&BlockRejectMessage{BlockID: b.ID},
		&JoinNetworkMessage{Addr: "h:1"},
		&LeaveNetworkMessage{Addr: "h:1"},
		&ListPeersMessage{Addr: "h:1"},
		&CastVoteMessage{Vote: b.Data, Attack: true},
		&TallyVoteMessage{},
		&TransactionStatusMessage{Committed: true},
		&ReturnedBlockchainMessage{Blocks: []*types.Block{b}},
		&AppLeaveNetworkMessage{},
	}
	for _, m := range msgs {
		first, err := Encode(m)
		require.NoError(t, err)

		decoded, err := Decode(first)
		require.NoError(t, err, string(first))
		assert.Equal(t, m.Tag(), decoded.Tag())
		assert.Equal(t, m, decoded)

		second, err := Encode(decoded)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(second))
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte(`["NOT_A_TAG", 1]`))
	assert.ErrorIs(t, err, ErrUnknownTag)

	for _, bad := range []string{
		``,
		`{}`,
		`[]`,
		`[1, 2]`,
		`["BLOCK_STATUS"]`,
		`["BLOCK_STATUS", "id", "yes"]`,
		`["TALLY_VOTE", "extra"]`,
		`["JOIN_NETWORK", ""]`,
		`["NEW_BLOCK", {"id": ""}]`,
		`["CAST_VOTE", null, false]`,
	} {
		_, err := Decode([]byte(bad))
		assert.ErrorIs(t, err, ErrMalformedMessage, bad)
		assert.NotErrorIs(t, err, ErrUnknownTag, bad)
	}
}

func TestPeerMessageSender(t *testing.T) {
	msg, err := Decode([]byte(`["BLOCK_REJECT", "abc"]`))
	require.NoError(t, err)

	pm, ok := msg.(PeerMessage)
	require.True(t, ok)
	assert.Empty(t, pm.Sender())
	pm.SetSender("1.2.3.4:5000")
	assert.Equal(t, "1.2.3.4:5000", pm.Sender())

	_, ok = Message(&TallyVoteMessage{}).(PeerMessage)
	assert.False(t, ok)
}

func TestPeerList(t *testing.T) {
	bz, err := EncodePeerList(nil)
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(bz))

	bz, err = EncodePeerList([]string{"a:1", "b:2"})
	require.NoError(t, err)
	addrs, err := DecodePeerList(bz)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:2"}, addrs)

	_, err = DecodePeerList([]byte(`["LIST_PEERS", 1]`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

// 长度正好是1024整数倍的消息也必须完整读出
func TestFrameExactBufferMultiples(t *testing.T) {
	for _, n := range []int{0, 1, 1023, 1024, 2048, 4096, 1024 * 64} {
		payload := bytes.Repeat([]byte("x"), n)
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, payload))
		require.NoError(t, WriteFrame(&buf, []byte("next")))

		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, n, len(got))

		got, err = ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, "next", string(got))

		_, err = ReadFrame(&buf)
		assert.Equal(t, io.EOF, err)
	}
}

func TestFrameTooLarge(t *testing.T) {
	header := []byte{0xff, 0xff, 0xff, 0xff}
	_, err := ReadFrame(bytes.NewReader(header))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello world")))
	truncated := buf.Bytes()[:buf.Len()-3]

	_, err := ReadFrame(bytes.NewReader(truncated))
	assert.Error(t, err)
}

func TestMsgOverFrames(t *testing.T) {
	b := sealedBlock(t)
	var buf bytes.Buffer
	require.NoError(t, WriteMsg(&buf, &CastVoteMessage{Vote: b.Data}))
	require.NoError(t, WriteMsg(&buf, &TallyVoteMessage{}))

	m, err := ReadMsg(&buf)
	require.NoError(t, err)
	assert.IsType(t, &CastVoteMessage{}, m)
	m, err = ReadMsg(&buf)
	require.NoError(t, err)
	assert.IsType(t, &TallyVoteMessage{}, m)
}

func TestLines(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteLine(&buf, []byte(`["JOIN_NETWORK","a:1"]`)))
	require.NoError(t, WriteLine(&buf, []byte(`["LIST_PEERS","a:1"]`)))
	buf.WriteString(`["LEAVE`)

	r := bufio.NewReader(strings.NewReader(buf.String()))
	line, err := ReadLine(r)
	require.NoError(t, err)
	assert.Equal(t, `["JOIN_NETWORK","a:1"]`, string(line))

	line, err = ReadLine(r)
	require.NoError(t, err)
	assert.Equal(t, `["LIST_PEERS","a:1"]`, string(line))

	_, err = ReadLine(r)
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}
