package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"overlay/pkg/config"
	"overlay/pkg/metrics"
	"overlay/pkg/protocol"
	"overlay/pkg/transport"
	"overlay/pkg/types"
	"overlay/pkg/utils"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultBroadcastConcurrency = 16

// Registry is the coordinator: it holds the authoritative node table,
// answers REGISTER with the current peer table and fans PEER_UPDATE out to
// every other known node.
type Registry struct {
	address              string
	logger               *zap.Logger
	metrics              *metrics.RegistryMetrics
	framer               *transport.Framer
	maxConns             int
	broadcastConcurrency int

	nodes     map[types.NodeID]*types.NodeRecord
	nodeMutex sync.RWMutex

	listener net.Listener
	handlers sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a registry. A nil m registers metrics on a private registry.
func New(cfg *config.RegistryConfig, tcfg *config.TransportConfig, logger *zap.Logger, m *metrics.RegistryMetrics) *Registry {
	if m == nil {
		m = metrics.NewRegistryMetrics(prometheus.NewRegistry())
	}
	ctx, cancel := context.WithCancel(context.Background())

	concurrency := cfg.BroadcastConcurrency
	if concurrency <= 0 {
		concurrency = DefaultBroadcastConcurrency
	}

	return &Registry{
		address:              cfg.Address,
		logger:               logger,
		metrics:              m,
		framer:               &transport.Framer{IOTimeout: tcfg.IOTimeout, MaxFrameSize: tcfg.MaxFrameBytes},
		maxConns:             tcfg.MaxConnections,
		broadcastConcurrency: concurrency,
		nodes:                make(map[types.NodeID]*types.NodeRecord),
		ctx:                  ctx,
		cancel:               cancel,
		now:                  time.Now,
	}
}

// Listen binds the registry address. Failing to bind is fatal for the
// process.
func (r *Registry) Listen() error {
	listener, err := transport.Listen(r.address, r.maxConns)
	if err != nil {
		return err
	}
	r.listener = listener
	r.logger.Info("Registry listening", zap.String("address", listener.Addr().String()))
	return nil
}

// Addr returns the bound address, valid after Listen.
func (r *Registry) Addr() net.Addr {
	return r.listener.Addr()
}

// Serve accepts connections until Stop, handling each on its own goroutine.
func (r *Registry) Serve() error {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if r.ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		r.handlers.Add(1)
		go func() {
			defer r.handlers.Done()
			r.handleConnection(conn)
		}()
	}
}

// Start binds and serves; it blocks until Stop.
func (r *Registry) Start() error {
	if err := r.Listen(); err != nil {
		return err
	}
	return r.Serve()
}

// Stop closes the listener and waits for in-flight handlers.
func (r *Registry) Stop() {
	r.cancel()
	if r.listener != nil {
		r.listener.Close()
	}
	r.handlers.Wait()
}

// handleConnection serves one REGISTER exchange. The registry reads and
// writes unpaced whatever rates the node advertises.
func (r *Registry) handleConnection(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	frame, err := r.framer.Receive(conn, 0)
	if err != nil {
		conn.Close()
		if len(frame) > 0 || !errors.Is(err, io.EOF) {
			r.metrics.ProtocolErrors.Inc()
			r.logger.Warn("Failed to read message", zap.String("remote", remote), zap.Error(err))
		}
		return
	}

	msg, err := protocol.Decode(frame)
	if err != nil || msg.Kind != protocol.KindRegister {
		conn.Close()
		r.metrics.ProtocolErrors.Inc()
		if err == nil {
			err = fmt.Errorf("unexpected %s message", msg.Kind)
		}
		r.logger.Warn("Error processing registration", zap.String("remote", remote), zap.Error(err))
		return
	}

	record := msg.Register.Record(r.now())
	peers, recipients := r.Register(record)

	reply, err := protocol.EncodePeerList(peers)
	if err == nil {
		err = r.framer.Send(conn, reply, 0)
	}
	conn.Close()
	if err != nil {
		r.logger.Warn("Failed to send peer list",
			zap.String("node_id", string(record.ID)),
			zap.String("remote", remote),
			zap.Error(err))
	}

	// The broadcast does not depend on the reply reaching the new node.
	r.Broadcast(r.ctx, peers, recipients)
}

// Register upserts record (last write wins) and returns the reduced peer
// table to reply with, together with the addresses of every other node the
// update must be broadcast to. Both are taken from the same snapshot.
func (r *Registry) Register(record *types.NodeRecord) (types.PeerTable, map[types.NodeID]types.PeerAddr) {
	r.nodeMutex.Lock()
	r.nodes[record.ID] = record

	peers := make(types.PeerTable, len(r.nodes))
	recipients := make(map[types.NodeID]types.PeerAddr, len(r.nodes))
	for id, rec := range r.nodes {
		peers[id] = rec.Addr()
		if id != record.ID {
			recipients[id] = rec.Addr()
		}
	}
	count := len(r.nodes)
	r.nodeMutex.Unlock()

	r.metrics.Registrations.Inc()
	r.metrics.KnownNodes.Set(float64(count))

	r.logger.Info("Node registered",
		zap.String("node_id", string(record.ID)),
		zap.String("address", record.Addr().String()),
		zap.String("storage_limit", utils.FormatDataSize(record.MaxStorageBytes)),
		zap.String("send_rate", utils.FormatRate(record.SendRate)),
		zap.String("recv_rate", utils.FormatRate(record.RecvRate)))

	return peers, recipients
}

// Broadcast sends PEER_UPDATE carrying peers to every recipient. Failures
// are logged and skipped; the remaining recipients are still tried. It
// returns the number of successful deliveries.
func (r *Registry) Broadcast(ctx context.Context, peers types.PeerTable, recipients map[types.NodeID]types.PeerAddr) int {
	if len(recipients) == 0 {
		return 0
	}

	payload, err := protocol.EncodePeerUpdate(peers)
	if err != nil {
		r.logger.Error("Failed to encode peer update", zap.Error(err))
		return 0
	}

	start := time.Now()
	var delivered int
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.broadcastConcurrency)
	for id, addr := range recipients {
		id, addr := id, addr
		g.Go(func() error {
			if err := r.sendUpdate(gctx, addr, payload); err != nil {
				r.metrics.BroadcastFailures.Inc()
				r.logger.Debug("Peer update not delivered",
					zap.String("node_id", string(id)),
					zap.String("address", addr.String()),
					zap.Error(err))
				return nil
			}
			r.metrics.BroadcastsSent.Inc()
			mu.Lock()
			delivered++
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	r.metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
	return delivered
}

func (r *Registry) sendUpdate(ctx context.Context, addr types.PeerAddr, payload []byte) error {
	conn, err := transport.Dial(ctx, addr.String())
	if err != nil {
		return err
	}
	defer conn.Close()
	return r.framer.Send(conn, payload, 0)
}

// Nodes returns a copy of every record, sorted by node id.
func (r *Registry) Nodes() []types.NodeRecord {
	r.nodeMutex.RLock()
	out := make([]types.NodeRecord, 0, len(r.nodes))
	for _, rec := range r.nodes {
		out = append(out, *rec)
	}
	r.nodeMutex.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PeerTable returns the reduced table the registry would currently send.
func (r *Registry) PeerTable() types.PeerTable {
	r.nodeMutex.RLock()
	defer r.nodeMutex.RUnlock()
	peers := make(types.PeerTable, len(r.nodes))
	for id, rec := range r.nodes {
		peers[id] = rec.Addr()
	}
	return peers
}

// Status is served on the registry's status endpoint.
func (r *Registry) Status() interface{} {
	nodes := r.Nodes()
	return map[string]interface{}{
		"address":    r.address,
		"node_count": len(nodes),
		"nodes":      nodes,
	}
}
