package node

import (
	"context"
	"fmt"
	"time"

	"overlay/pkg/protocol"
	"overlay/pkg/transport"
	"overlay/pkg/types"
	"overlay/pkg/utils"

	"go.uber.org/zap"
)

// RegistrationTimeout bounds the whole REGISTER / PEER_LIST exchange.
const RegistrationTimeout = 10 * time.Second

// Register announces the node to the registry and installs the returned
// peer table. It is attempted once: on failure the node drops back to
// Unregistered and keeps serving peers that already know its address.
//
// The REGISTER / PEER_LIST exchange is not paced by the node's send and
// receive rates, so a heavily throttled node still registers within
// RegistrationTimeout.
func (n *Node) Register(ctx context.Context) error {
	n.setState(types.StateRegistering)

	peers, err := n.register(ctx)
	if err != nil {
		n.setState(types.StateUnregistered)
		n.logger.Error("Registration failed",
			zap.String("registry", n.registryAddress),
			zap.Error(err))
		return err
	}

	n.setPeers(peers)
	n.setState(types.StateRegistered)
	n.logger.Info("Node registered",
		zap.String("registry", n.registryAddress),
		zap.String("address", n.Addr().String()),
		zap.Int("peers", len(peers)),
		zap.String("storage_limit", utils.FormatDataSize(n.store.MaxBytes())),
		zap.String("send_rate", utils.FormatRate(n.sendRate)),
		zap.String("recv_rate", utils.FormatRate(n.recvRate)))
	return nil
}

func (n *Node) register(ctx context.Context) (types.PeerTable, error) {
	ctx, cancel := context.WithTimeout(ctx, RegistrationTimeout)
	defer cancel()

	req := protocol.NewRegisterRequest(n.nodeID, n.Addr(), n.store.MaxBytes(), n.sendRate, n.recvRate)
	frame, err := protocol.EncodeRegister(req)
	if err != nil {
		return nil, err
	}

	conn, err := transport.Dial(ctx, n.registryAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to registry: %w", err)
	}
	defer conn.Close()

	// Closing the connection unblocks the exchange once ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// Control frames go unpaced; see Register.
	if err := n.framer.Send(conn, frame, 0); err != nil {
		return nil, fmt.Errorf("failed to send registration: %w", err)
	}

	reply, err := n.framer.Receive(conn, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read peer list: %w", err)
	}

	msg, err := protocol.Decode(reply)
	if err != nil {
		return nil, fmt.Errorf("invalid registry reply: %w", err)
	}
	if msg.Kind != protocol.KindPeerList {
		return nil, fmt.Errorf("unexpected %s reply from registry", msg.Kind)
	}
	return msg.Peers, nil
}
