package control

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"overlay/pkg/config"
	"overlay/pkg/node"
	"overlay/pkg/protocol"
	"overlay/pkg/storage"
	"overlay/pkg/transport"
	"overlay/pkg/types"
	"overlay/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func newTestNode(t *testing.T, id string, maxBytes int64) *node.Node {
	cfg := &config.NodeConfig{
		NodeID:          id,
		Host:            "127.0.0.1",
		StorageDir:      filepath.Join(t.TempDir(), id),
		MaxStorageBytes: maxBytes,
	}
	n, err := node.New(cfg, &config.TransportConfig{IOTimeout: 5 * time.Second}, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(n.Stop)
	return n
}

// setupControl serves n over an in-memory listener and returns a client.
func setupControl(t *testing.T, n *node.Node) *Client {
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewServer(n, zaptest.NewLogger(t)).ServeListener(ctx, lis)
	}()

	conn, err := grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client := NewClient(conn)
	t.Cleanup(func() {
		client.Close()
		cancel()
		<-done
	})
	return client
}

func writeSource(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "source")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestAddFileAndListing(t *testing.T) {
	client := setupControl(t, newTestNode(t, "n1", utils.MegaByte))
	ctx := context.Background()

	id, err := client.AddFile(ctx, "hello.txt", writeSource(t, "hello"))
	require.NoError(t, err)
	assert.Equal(t, storage.FileIDFor("hello.txt"), id)

	_, err = client.AddFile(ctx, "b.txt", writeSource(t, "bb"))
	require.NoError(t, err)

	files, err := client.LocalFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []storage.Entry{
		{ID: storage.FileIDFor("b.txt"), Filename: "b.txt"},
		{ID: storage.FileIDFor("hello.txt"), Filename: "hello.txt"},
	}, files)

	used, quota, err := client.Storage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), used)
	assert.Equal(t, utils.MegaByte, quota)
}

func TestErrorCodes(t *testing.T) {
	client := setupControl(t, newTestNode(t, "n1", 4))
	ctx := context.Background()

	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.Addr().String()
	dead.Close()

	id, err := client.AddFile(ctx, "tiny", writeSource(t, "abc"))
	require.NoError(t, err)

	tests := []struct {
		name string
		call func() error
		want codes.Code
	}{
		{"QuotaExceeded", func() error {
			_, err := client.AddFile(ctx, "big", writeSource(t, "too large"))
			return err
		}, codes.ResourceExhausted},
		{"MissingSource", func() error {
			_, err := client.AddFile(ctx, "x", filepath.Join(t.TempDir(), "missing"))
			return err
		}, codes.NotFound},
		{"BadFilename", func() error {
			_, err := client.AddFile(ctx, "../x", writeSource(t, "a"))
			return err
		}, codes.InvalidArgument},
		{"UnknownFile", func() error {
			return client.SendFile(ctx, "127.0.0.1:9001", "deadbeef")
		}, codes.NotFound},
		{"InvalidPeer", func() error {
			return client.SendFile(ctx, "nowhere", id)
		}, codes.InvalidArgument},
		{"UnreachablePeer", func() error {
			return client.SendFile(ctx, deadAddr, id)
		}, codes.Unavailable},
		{"MissingField", func() error {
			return client.invoke(ctx, methodSendFile, &structpb.Struct{}, &emptypb.Empty{})
		}, codes.InvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.Equal(t, tt.want, status.Code(err), err.Error())
		})
	}
}

func TestSendFileAndPeers(t *testing.T) {
	sender := newTestNode(t, "n1", utils.MegaByte)
	receiver := newTestNode(t, "n2", utils.MegaByte)
	require.NoError(t, receiver.Listen())
	go receiver.Serve()
	require.NoError(t, sender.Listen())
	go sender.Serve()

	client := setupControl(t, sender)
	ctx := context.Background()

	// Peer tables normally come from the registry; push one directly.
	peers := types.PeerTable{"n1": sender.Addr(), "n2": receiver.Addr()}
	frame, err := protocol.EncodePeerUpdate(peers)
	require.NoError(t, err)
	conn, err := transport.Dial(ctx, sender.Addr().String())
	require.NoError(t, err)
	require.NoError(t, transport.Send(conn, frame, 0))
	conn.Close()

	require.Eventually(t, func() bool {
		got, err := client.Peers(ctx)
		return err == nil && len(got) == 2
	}, 5*time.Second, 10*time.Millisecond)
	got, err := client.Peers(ctx)
	require.NoError(t, err)
	assert.Equal(t, peers, got)

	id, err := client.AddFile(ctx, "report.csv", writeSource(t, "a,b,c"))
	require.NoError(t, err)
	require.NoError(t, client.SendFile(ctx, fmt.Sprint(got["n2"]), id))

	require.Eventually(t, func() bool {
		_, err := receiver.Store().Lookup(id)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestShutdownSignalsNode(t *testing.T) {
	n := newTestNode(t, "n1", utils.MegaByte)
	client := setupControl(t, n)

	require.NoError(t, client.Shutdown(context.Background()))
	select {
	case <-n.ShutdownRequested():
	case <-time.After(time.Second):
		t.Fatal("node was not asked to shut down")
	}
}
