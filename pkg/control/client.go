package control

import (
	"context"
	"fmt"
	"sort"
	"time"

	"overlay/pkg/storage"
	"overlay/pkg/types"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DefaultTimeout bounds connection setup and short control calls.
const DefaultTimeout = 10 * time.Second

// Client drives a node's control server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the control server at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithBlock())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to node at %s: %w", addr, err)
	}
	return NewClient(conn), nil
}

func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}) error {
	return c.conn.Invoke(ctx, fullMethod(method), in, out)
}

// AddFile copies the file at path on the node's host into its storage.
func (c *Client) AddFile(ctx context.Context, filename, path string) (types.FileID, error) {
	in, err := structpb.NewStruct(map[string]interface{}{"filename": filename, "path": path})
	if err != nil {
		return "", err
	}
	out := &wrapperspb.StringValue{}
	if err := c.invoke(ctx, methodAddFile, in, out); err != nil {
		return "", err
	}
	return types.FileID(out.GetValue()), nil
}

// LocalFiles lists the node's index sorted by filename.
func (c *Client) LocalFiles(ctx context.Context) ([]storage.Entry, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, methodLocalFiles, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}

	var entries []storage.Entry
	for id, name := range out.GetFields()["files"].GetStructValue().GetFields() {
		entries = append(entries, storage.Entry{ID: types.FileID(id), Filename: name.GetStringValue()})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Filename == entries[j].Filename {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].Filename < entries[j].Filename
	})
	return entries, nil
}

// Storage returns the node's used bytes and quota.
func (c *Client) Storage(ctx context.Context) (int64, int64, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, methodStorage, &emptypb.Empty{}, out); err != nil {
		return 0, 0, err
	}
	fields := out.GetFields()
	return int64(fields["used_bytes"].GetNumberValue()), int64(fields["max_bytes"].GetNumberValue()), nil
}

// SendFile has the node push fileID to the peer at peer ("host:port"). It
// returns once the node has written the transfer.
func (c *Client) SendFile(ctx context.Context, peer string, fileID types.FileID) error {
	in, err := structpb.NewStruct(map[string]interface{}{"peer": peer, "file_id": string(fileID)})
	if err != nil {
		return err
	}
	return c.invoke(ctx, methodSendFile, in, &emptypb.Empty{})
}

// Peers returns the node's current peer table.
func (c *Client) Peers(ctx context.Context) (types.PeerTable, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, methodPeers, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}

	peers := make(types.PeerTable)
	for id, v := range out.GetFields()["peers"].GetStructValue().GetFields() {
		addr, err := types.ParsePeerAddr(v.GetStringValue())
		if err != nil {
			return nil, err
		}
		peers[types.NodeID(id)] = addr
	}
	return peers, nil
}

// Shutdown stops the node process.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.invoke(ctx, methodShutdown, &emptypb.Empty{}, &emptypb.Empty{})
}
