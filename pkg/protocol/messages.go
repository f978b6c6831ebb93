// Package protocol defines the overlay wire messages. Every message is a tag
// such as "[REGISTER]" followed by a JSON body; FILE_TRANSFER additionally
// carries raw file bytes after a literal "<DATA>" delimiter. Framing is the
// transport package's concern.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"overlay/pkg/types"
	"overlay/pkg/utils"
)

const (
	TagRegister     = "[REGISTER]"
	TagPeerList     = "[PEER_LIST]"
	TagPeerUpdate   = "[PEER_UPDATE]"
	TagFileTransfer = "[FILE_TRANSFER]"

	DataDelimiter = "<DATA>"
)

var (
	ErrUnknownTag = errors.New("unknown message tag")
	ErrMalformed  = errors.New("malformed message")
)

type Kind int

const (
	KindRegister Kind = iota + 1
	KindPeerList
	KindPeerUpdate
	KindFileTransfer
)

func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "REGISTER"
	case KindPeerList:
		return "PEER_LIST"
	case KindPeerUpdate:
		return "PEER_UPDATE"
	case KindFileTransfer:
		return "FILE_TRANSFER"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// RegisterRequest is the REGISTER body. Storage travels in whole MB and
// rates in whole KB/s.
type RegisterRequest struct {
	NodeID       types.NodeID `json:"node_id"`
	Host         string       `json:"host"`
	Port         int          `json:"port"`
	MaxStorageMB int64        `json:"max_storage_mb"`
	SendRateKBps int64        `json:"send_rate_kbps"`
	RecvRateKBps int64        `json:"recv_rate_kbps"`
}

// NewRegisterRequest converts byte-denominated limits to wire units.
func NewRegisterRequest(id types.NodeID, addr types.PeerAddr, maxStorageBytes, sendRate, recvRate int64) *RegisterRequest {
	return &RegisterRequest{
		NodeID:       id,
		Host:         addr.Host,
		Port:         addr.Port,
		MaxStorageMB: utils.WholeMB(maxStorageBytes),
		SendRateKBps: utils.WholeKB(sendRate),
		RecvRateKBps: utils.WholeKB(recvRate),
	}
}

func (r *RegisterRequest) validate() error {
	switch {
	case r.NodeID == "":
		return fmt.Errorf("%w: missing node_id", ErrMalformed)
	case r.Host == "":
		return fmt.Errorf("%w: missing host", ErrMalformed)
	case r.Port <= 0 || r.Port > 65535:
		return fmt.Errorf("%w: invalid port %d", ErrMalformed, r.Port)
	case r.MaxStorageMB < 0 || r.SendRateKBps < 0 || r.RecvRateKBps < 0:
		return fmt.Errorf("%w: negative resource limit", ErrMalformed)
	}
	return nil
}

// Record converts the request into the registry's byte-denominated record.
func (r *RegisterRequest) Record(now time.Time) *types.NodeRecord {
	return &types.NodeRecord{
		ID:              r.NodeID,
		Host:            r.Host,
		Port:            r.Port,
		MaxStorageBytes: r.MaxStorageMB * utils.MegaByte,
		SendRate:        r.SendRateKBps * utils.KiloByte,
		RecvRate:        r.RecvRateKBps * utils.KiloByte,
		RegisteredAt:    now,
	}
}

// FileHeader precedes the data delimiter in a FILE_TRANSFER.
type FileHeader struct {
	FileID   types.FileID `json:"file_id"`
	Filename string       `json:"filename"`
}

// Message is a decoded frame. Exactly one of the body fields is set,
// according to Kind.
type Message struct {
	Kind     Kind
	Register *RegisterRequest
	Peers    types.PeerTable
	Header   *FileHeader
	Data     []byte
}

func encodeJSON(tag string, body interface{}) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", tag, err)
	}
	out := make([]byte, 0, len(tag)+len(raw))
	out = append(out, tag...)
	return append(out, raw...), nil
}

func EncodeRegister(req *RegisterRequest) ([]byte, error) {
	return encodeJSON(TagRegister, req)
}

func EncodePeerList(peers types.PeerTable) ([]byte, error) {
	return encodeJSON(TagPeerList, peerTableBody(peers))
}

func EncodePeerUpdate(peers types.PeerTable) ([]byte, error) {
	return encodeJSON(TagPeerUpdate, peerTableBody(peers))
}

// peerTableBody keeps a nil table encoding as {} rather than null.
func peerTableBody(peers types.PeerTable) types.PeerTable {
	if peers == nil {
		return types.PeerTable{}
	}
	return peers
}

// EncodeFileTransfer builds tag + header JSON + "<DATA>" + data. The JSON
// encoder escapes '<' and '>', so a filename can never forge the delimiter.
func EncodeFileTransfer(header *FileHeader, data []byte) ([]byte, error) {
	raw, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode file header: %w", err)
	}
	out := make([]byte, 0, len(TagFileTransfer)+len(raw)+len(DataDelimiter)+len(data))
	out = append(out, TagFileTransfer...)
	out = append(out, raw...)
	out = append(out, DataDelimiter...)
	return append(out, data...), nil
}

// Decode parses a complete frame payload.
func Decode(frame []byte) (*Message, error) {
	switch {
	case bytes.HasPrefix(frame, []byte(TagRegister)):
		var req RegisterRequest
		if err := json.Unmarshal(frame[len(TagRegister):], &req); err != nil {
			return nil, fmt.Errorf("%w: register body: %v", ErrMalformed, err)
		}
		if err := req.validate(); err != nil {
			return nil, err
		}
		return &Message{Kind: KindRegister, Register: &req}, nil

	case bytes.HasPrefix(frame, []byte(TagPeerList)):
		peers, err := decodePeers(frame[len(TagPeerList):])
		if err != nil {
			return nil, err
		}
		return &Message{Kind: KindPeerList, Peers: peers}, nil

	case bytes.HasPrefix(frame, []byte(TagPeerUpdate)):
		peers, err := decodePeers(frame[len(TagPeerUpdate):])
		if err != nil {
			return nil, err
		}
		return &Message{Kind: KindPeerUpdate, Peers: peers}, nil

	case bytes.HasPrefix(frame, []byte(TagFileTransfer)):
		rest := frame[len(TagFileTransfer):]
		idx := bytes.Index(rest, []byte(DataDelimiter))
		if idx < 0 {
			return nil, fmt.Errorf("%w: file transfer without %s delimiter", ErrMalformed, DataDelimiter)
		}
		var header FileHeader
		if err := json.Unmarshal(rest[:idx], &header); err != nil {
			return nil, fmt.Errorf("%w: file header: %v", ErrMalformed, err)
		}
		if header.FileID == "" || header.Filename == "" {
			return nil, fmt.Errorf("%w: file header needs file_id and filename", ErrMalformed)
		}
		return &Message{
			Kind:   KindFileTransfer,
			Header: &header,
			Data:   rest[idx+len(DataDelimiter):],
		}, nil
	}

	preview := frame
	if len(preview) > 16 {
		preview = preview[:16]
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTag, preview)
}

func decodePeers(body []byte) (types.PeerTable, error) {
	var peers types.PeerTable
	if err := json.Unmarshal(body, &peers); err != nil {
		return nil, fmt.Errorf("%w: peer table: %v", ErrMalformed, err)
	}
	if peers == nil {
		peers = types.PeerTable{}
	}
	return peers, nil
}
