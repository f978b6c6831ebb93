package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"overlay/pkg/config"
	"overlay/pkg/metrics"
	"overlay/pkg/protocol"
	"overlay/pkg/storage"
	"overlay/pkg/transport"
	"overlay/pkg/types"
	"overlay/pkg/utils"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	ErrInvalidPeerAddress = errors.New("invalid peer address")
	ErrPeerUnreachable    = errors.New("peer unreachable")
)

// Rejection reasons recorded on the transfers_rejected counter.
const (
	rejectProtocol        = "protocol"
	rejectShortFrame      = "short_frame"
	rejectInvalidFilename = "invalid_filename"
	rejectQuota           = "quota"
	rejectWrite           = "write"
)

// Node is a storage peer. It accepts PEER_UPDATE and FILE_TRANSFER
// messages on its listen port and sends files directly to other nodes.
type Node struct {
	nodeID          types.NodeID
	host            string
	port            int
	registryAddress string
	sendRate        int64
	recvRate        int64
	maxConns        int

	logger  *zap.Logger
	metrics *metrics.NodeMetrics
	framer  *transport.Framer
	store   *storage.Store

	state atomic.Int32

	peers      types.PeerTable
	peersMutex sync.RWMutex

	listener net.Listener
	handlers sync.WaitGroup

	shutdownOnce sync.Once
	shutdown     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New opens the node's storage directory and rebuilds its file index. cfg
// must already be resolved. A nil m registers metrics on a private registry.
func New(cfg *config.NodeConfig, tcfg *config.TransportConfig, logger *zap.Logger, m *metrics.NodeMetrics) (*Node, error) {
	if m == nil {
		m = metrics.NewNodeMetrics(prometheus.NewRegistry(), cfg.NodeID)
	}
	logger = logger.With(zap.String("node_id", cfg.NodeID))

	store, err := storage.Open(cfg.StorageDir, cfg.MaxStorageBytes, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		nodeID:          types.NodeID(cfg.NodeID),
		host:            cfg.Host,
		port:            cfg.Port,
		registryAddress: cfg.RegistryAddress,
		sendRate:        cfg.SendRateBytes,
		recvRate:        cfg.RecvRateBytes,
		maxConns:        tcfg.MaxConnections,
		logger:          logger,
		metrics:         m,
		framer:          &transport.Framer{IOTimeout: tcfg.IOTimeout, MaxFrameSize: tcfg.MaxFrameBytes},
		store:           store,
		peers:           make(types.PeerTable),
		shutdown:        make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
	}

	m.StorageMax.Set(float64(store.MaxBytes()))
	n.updateUsage()
	n.logger.Info("Storage usage",
		zap.String("used", utils.FormatDataSize(store.Used())),
		zap.String("max", utils.FormatDataSize(store.MaxBytes())))
	return n, nil
}

func (n *Node) ID() types.NodeID { return n.nodeID }

// Addr is the address advertised to the registry.
func (n *Node) Addr() types.PeerAddr {
	return types.PeerAddr{Host: n.host, Port: n.port}
}

func (n *Node) State() types.State {
	return types.State(n.state.Load())
}

func (n *Node) setState(s types.State) {
	prev := types.State(n.state.Swap(int32(s)))
	if prev != s {
		n.logger.Debug("Node state changed", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// Listen binds the node's data port. A port of 0 picks a free port, which
// is then advertised on registration.
func (n *Node) Listen() error {
	listener, err := transport.Listen(net.JoinHostPort(n.host, strconv.Itoa(n.port)), n.maxConns)
	if err != nil {
		return err
	}
	n.listener = listener
	if tcp, ok := listener.Addr().(*net.TCPAddr); ok {
		n.port = tcp.Port
	}
	n.logger.Info("Node listening", zap.String("address", listener.Addr().String()))
	return nil
}

// Serve accepts peer connections until Stop.
func (n *Node) Serve() error {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if n.ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		n.handlers.Add(1)
		go func() {
			defer n.handlers.Done()
			n.handleConnection(conn)
		}()
	}
}

// Start binds the data port, starts serving and registers. Only a bind
// failure is returned; a failed registration leaves the node running
// unregistered.
func (n *Node) Start(ctx context.Context) error {
	if err := n.Listen(); err != nil {
		return err
	}
	go func() {
		if err := n.Serve(); err != nil {
			n.logger.Error("Node server stopped", zap.Error(err))
		}
	}()

	if err := n.Register(ctx); err != nil {
		n.logger.Warn("Continuing without registration", zap.Error(err))
		return nil
	}
	n.setState(types.StateOperating)
	return nil
}

// Stop closes the listener and waits for in-flight handlers.
func (n *Node) Stop() {
	n.cancel()
	if n.listener != nil {
		n.listener.Close()
	}
	n.handlers.Wait()
}

// RequestShutdown asks the owning process to stop the node.
func (n *Node) RequestShutdown() {
	n.shutdownOnce.Do(func() {
		n.logger.Info("Shutdown requested")
		close(n.shutdown)
	})
}

// ShutdownRequested is closed once RequestShutdown has been called.
func (n *Node) ShutdownRequested() <-chan struct{} {
	return n.shutdown
}

func (n *Node) handleConnection(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	frame, err := n.framer.Receive(conn, n.recvRate)
	n.metrics.BytesReceived.Add(float64(len(frame)))
	if err != nil {
		if len(frame) == 0 && errors.Is(err, io.EOF) {
			return
		}
		n.reject(rejectShortFrame, remote, err)
		return
	}

	msg, err := protocol.Decode(frame)
	if err != nil {
		n.reject(rejectProtocol, remote, err)
		return
	}

	switch msg.Kind {
	case protocol.KindPeerUpdate:
		n.setPeers(msg.Peers)
		n.logger.Info("Peer table updated", zap.Int("peers", len(msg.Peers)))
	case protocol.KindFileTransfer:
		n.receiveFile(remote, msg.Header, msg.Data)
	default:
		n.reject(rejectProtocol, remote, fmt.Errorf("unexpected %s message", msg.Kind))
	}
}

// receiveFile stores an inbound transfer. Rejections close the connection
// without a reply.
func (n *Node) receiveFile(remote string, header *protocol.FileHeader, data []byte) {
	if err := n.store.Put(header.FileID, header.Filename, data); err != nil {
		reason := rejectWrite
		switch {
		case errors.Is(err, storage.ErrInvalidFilename):
			reason = rejectInvalidFilename
		case errors.Is(err, storage.ErrQuotaExceeded):
			reason = rejectQuota
		}
		n.reject(reason, remote, err)
		return
	}

	n.metrics.FilesReceived.Inc()
	n.updateUsage()
	n.logger.Info("Received file",
		zap.String("file_id", string(header.FileID)),
		zap.String("filename", header.Filename),
		zap.Int("size", len(data)),
		zap.String("peer", remote),
		zap.String("used", utils.FormatDataSize(n.store.Used())),
		zap.String("max", utils.FormatDataSize(n.store.MaxBytes())))
}

func (n *Node) reject(reason, remote string, err error) {
	n.metrics.TransfersRejected.WithLabelValues(reason).Inc()
	n.logger.Warn("Rejected inbound message",
		zap.String("reason", reason),
		zap.String("peer", remote),
		zap.Error(err))
}

// AddFile copies an external file into storage under filename.
func (n *Node) AddFile(filename, sourcePath string) (types.FileID, error) {
	id, err := n.store.AddFile(filename, sourcePath)
	if err != nil {
		return "", err
	}
	n.updateUsage()
	n.logger.Info("Added file",
		zap.String("file_id", string(id)),
		zap.String("filename", filename),
		zap.String("source", sourcePath))
	return id, nil
}

// SendFile writes a FILE_TRANSFER for fileID to the peer at peerAddress,
// paced at the node's send rate. No acknowledgement is expected; a nil
// error only means every byte was written.
func (n *Node) SendFile(ctx context.Context, peerAddress string, fileID types.FileID) error {
	addr, err := types.ParsePeerAddr(peerAddress)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPeerAddress, err)
	}

	filename, data, err := n.store.Read(fileID)
	if err != nil {
		return err
	}

	frame, err := protocol.EncodeFileTransfer(&protocol.FileHeader{FileID: fileID, Filename: filename}, data)
	if err != nil {
		return err
	}

	conn, err := transport.Dial(ctx, addr.String())
	if err != nil {
		n.metrics.SendFailures.Inc()
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	defer conn.Close()

	start := time.Now()
	if err := n.framer.Send(conn, frame, n.sendRate); err != nil {
		n.metrics.SendFailures.Inc()
		return fmt.Errorf("failed to send %s to %s: %w", filename, addr, err)
	}

	n.metrics.FilesSent.Inc()
	n.metrics.BytesSent.Add(float64(len(frame)))
	n.logger.Info("Sent file",
		zap.String("file_id", string(fileID)),
		zap.String("filename", filename),
		zap.String("peer", addr.String()),
		zap.Int("size", len(data)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (n *Node) setPeers(peers types.PeerTable) {
	n.peersMutex.Lock()
	n.peers = peers.Clone()
	n.peersMutex.Unlock()

	n.metrics.PeerUpdates.Inc()
	n.metrics.Peers.Set(float64(len(peers)))
}

// Peers returns a copy of the local peer table.
func (n *Node) Peers() types.PeerTable {
	n.peersMutex.RLock()
	defer n.peersMutex.RUnlock()
	return n.peers.Clone()
}

func (n *Node) Files() []storage.Entry {
	return n.store.Files()
}

// Usage returns the bytes used and the quota.
func (n *Node) Usage() (int64, int64) {
	return n.store.Used(), n.store.MaxBytes()
}

func (n *Node) Store() *storage.Store {
	return n.store
}

func (n *Node) updateUsage() {
	n.metrics.StorageUsed.Set(float64(n.store.Used()))
}

// Status is served on the node's status endpoint.
func (n *Node) Status() interface{} {
	used, quota := n.Usage()
	files := n.Files()
	listing := make(map[types.FileID]string, len(files))
	for _, f := range files {
		listing[f.ID] = f.Filename
	}
	return map[string]interface{}{
		"node_id":    n.nodeID,
		"address":    n.Addr().String(),
		"registry":   n.registryAddress,
		"state":      n.State().String(),
		"peers":      n.Peers(),
		"files":      listing,
		"used_bytes": used,
		"max_bytes":  quota,
		"send_rate":  n.sendRate,
		"recv_rate":  n.recvRate,
	}
}
