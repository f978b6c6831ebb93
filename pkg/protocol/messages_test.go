package protocol

import (
	"errors"
	"testing"
	"time"

	"overlay/pkg/types"
	"overlay/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRegisterFromWire(t *testing.T) {
	frame := []byte(`[REGISTER]{"node_id": "n1", "host": "127.0.0.1", "port": 9001, "max_storage_mb": 1, "send_rate_kbps": 500, "recv_rate_kbps": 250}`)

	msg, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, KindRegister, msg.Kind)
	assert.Equal(t, types.NodeID("n1"), msg.Register.NodeID)
	assert.Equal(t, 9001, msg.Register.Port)

	now := time.Now()
	rec := msg.Register.Record(now)
	assert.Equal(t, int64(1024*1024), rec.MaxStorageBytes)
	assert.Equal(t, int64(500*1024), rec.SendRate)
	assert.Equal(t, int64(250*1024), rec.RecvRate)
	assert.Equal(t, now, rec.RegisteredAt)
	assert.Equal(t, "127.0.0.1:9001", rec.Addr().String())
}

func TestRegisterRequestUnits(t *testing.T) {
	req := NewRegisterRequest("n2", types.PeerAddr{Host: "10.0.0.2", Port: 9002},
		100*utils.MegaByte, 500*utils.KiloByte, 0)

	assert.Equal(t, int64(100), req.MaxStorageMB)
	assert.Equal(t, int64(500), req.SendRateKBps)
	assert.Zero(t, req.RecvRateKBps)

	frame, err := EncodeRegister(req)
	require.NoError(t, err)

	msg, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, req, msg.Register)
}

func TestPeerTableWireFormat(t *testing.T) {
	peers := types.PeerTable{
		"n1": {Host: "127.0.0.1", Port: 9001},
		"n2": {Host: "127.0.0.1", Port: 9002},
	}

	frame, err := EncodePeerList(peers)
	require.NoError(t, err)
	assert.Equal(t, `[PEER_LIST]{"n1":["127.0.0.1",9001],"n2":["127.0.0.1",9002]}`, string(frame))

	msg, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, KindPeerList, msg.Kind)
	assert.Equal(t, peers, msg.Peers)

	update, err := EncodePeerUpdate(peers)
	require.NoError(t, err)
	msg, err = Decode(update)
	require.NoError(t, err)
	assert.Equal(t, KindPeerUpdate, msg.Kind)
	assert.Equal(t, peers, msg.Peers)
}

func TestEmptyPeerTable(t *testing.T) {
	frame, err := EncodePeerUpdate(nil)
	require.NoError(t, err)
	assert.Equal(t, `[PEER_UPDATE]{}`, string(frame))

	msg, err := Decode(frame)
	require.NoError(t, err)
	assert.NotNil(t, msg.Peers)
	assert.Empty(t, msg.Peers)
}

func TestFileTransferSplitsOnFirstDelimiter(t *testing.T) {
	data := []byte("binary\x00<DATA>still data")
	frame, err := EncodeFileTransfer(&FileHeader{FileID: "abc", Filename: "notes.txt"}, data)
	require.NoError(t, err)

	msg, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, KindFileTransfer, msg.Kind)
	assert.Equal(t, types.FileID("abc"), msg.Header.FileID)
	assert.Equal(t, "notes.txt", msg.Header.Filename)
	assert.Equal(t, data, msg.Data)
}

func TestFileTransferFilenameCannotForgeDelimiter(t *testing.T) {
	frame, err := EncodeFileTransfer(&FileHeader{FileID: "x", Filename: "a<DATA>b"}, []byte("payload"))
	require.NoError(t, err)

	msg, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, "a<DATA>b", msg.Header.Filename)
	assert.Equal(t, []byte("payload"), msg.Data)
}

func TestFileTransferEmptyData(t *testing.T) {
	frame, err := EncodeFileTransfer(&FileHeader{FileID: "x", Filename: "empty"}, nil)
	require.NoError(t, err)

	msg, err := Decode(frame)
	require.NoError(t, err)
	assert.Empty(t, msg.Data)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  error
	}{
		{"Empty", ``, ErrUnknownTag},
		{"UnknownTag", `[HELLO]{}`, ErrUnknownTag},
		{"RegisterNotJSON", `[REGISTER]not json`, ErrMalformed},
		{"RegisterMissingID", `[REGISTER]{"host":"h","port":1}`, ErrMalformed},
		{"RegisterBadPort", `[REGISTER]{"node_id":"n","host":"h","port":70000}`, ErrMalformed},
		{"PeerListWrongShape", `[PEER_LIST]{"n1":"127.0.0.1:9001"}`, ErrMalformed},
		{"PeerListShortPair", `[PEER_UPDATE]{"n1":["127.0.0.1"]}`, ErrMalformed},
		{"TransferNoDelimiter", `[FILE_TRANSFER]{"file_id":"a","filename":"b"}`, ErrMalformed},
		{"TransferBadHeader", `[FILE_TRANSFER]{oops<DATA>bytes`, ErrMalformed},
		{"TransferMissingName", `[FILE_TRANSFER]{"file_id":"a"}<DATA>bytes`, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.frame))
			assert.Nil(t, msg)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}
