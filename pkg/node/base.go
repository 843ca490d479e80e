package node

import (
	"log/slog"
	"sync"

	canopen "github.com/nodehive/canopen"
	"github.com/nodehive/canopen/pkg/od"
	"github.com/nodehive/canopen/pkg/sdo"
)

// Node is the common surface [NodeProcessor] drives on a ticker: the
// real-time SYNC/PDO path, the slower "main" path (NMT, heartbeat, EMCY,
// TIME), the set of SDO servers it should keep processing in the
// background, and a Reset hook invoked after a CiA 301 NMT 'reset_node'
// command has propagated.
type Node interface {
	GetID() uint8
	GetOD() *od.ObjectDictionary
	ProcessSYNC(timeDifferenceUs uint32) bool
	ProcessPDO(syncWas bool, timeDifferenceUs uint32)
	ProcessMain(enableGateway bool, timeDifferenceUs uint32, timerNextUs *uint32) uint8
	Servers() []*sdo.SDOServer
	Reset() error
}

// BaseNode carries the fields every node role (local or remote) shares: the
// bus handle, an SDO client usable for either local-OD loopback access or
// addressing a remote peer, and the node's own object dictionary/identity.
type BaseNode struct {
	*canopen.BusManager
	*sdo.SDOClient
	mu     sync.Mutex
	logger *slog.Logger
	od     *od.ObjectDictionary
	id     uint8
}

func newBaseNode(bm *canopen.BusManager, logger *slog.Logger, odict *od.ObjectDictionary, nodeId uint8) (*BaseNode, error) {
	if bm == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := sdo.NewSDOClient(bm, logger, odict, nodeId, sdo.DefaultClientTimeout, nil)
	if err != nil {
		return nil, err
	}
	return &BaseNode{
		BusManager: bm,
		SDOClient:  client,
		logger:     logger,
		od:         odict,
		id:         nodeId,
	}, nil
}

// GetOD returns the node's own object dictionary.
func (node *BaseNode) GetOD() *od.ObjectDictionary {
	return node.od
}

// GetID returns the node's active node-ID.
func (node *BaseNode) GetID() uint8 {
	return node.id
}
