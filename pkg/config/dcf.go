package config

import (
	"sort"

	"github.com/nodehive/canopen/pkg/od"
)

// DownloadDCF replays a device configuration file onto the node this
// configurator addresses: one SDO write per writable (index, sub-index)
// pair found in the DCF, in ascending index order and, within an index, in
// ascending sub-index order.
func (config *NodeConfigurator) DownloadDCF(dcf []byte) error {
	parsed, err := od.Parse(dcf, config.nodeId)
	if err != nil {
		return err
	}

	entries := parsed.Entries()
	indexes := make([]uint16, 0, len(entries))
	for index := range entries {
		indexes = append(indexes, index)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	for _, index := range indexes {
		entry := entries[index]
		for sub := uint8(0); int(sub) < entry.SubCount(); sub++ {
			variable, err := entry.SubIndex(sub)
			if err != nil || variable.Attribute&od.AttributeSdoW == 0 {
				continue
			}
			raw := make([]byte, variable.DataLength())
			if err := entry.ReadExactly(sub, raw, true); err != nil {
				config.logger.Warn("skipping unreadable DCF entry", "index", index, "sub", sub, "error", err)
				continue
			}
			if err := config.client.WriteRaw(config.nodeId, index, sub, raw, false); err != nil {
				return err
			}
		}
	}
	return nil
}
