package command

import (
	"strconv"

	"github.com/urfave/cli/v2"
)

// parsePartitionOffset parses the PARTITION and OFFSET positional
// arguments shared by several stream subcommands.
func parsePartitionOffset(partitionArg, offsetArg string) (uint32, uint64, error) {
	partitionID, err := strconv.ParseUint(partitionArg, 10, 32)
	if err != nil {
		return 0, 0, cli.Exit("invalid partition: "+partitionArg, 1)
	}
	offset, err := strconv.ParseUint(offsetArg, 10, 64)
	if err != nil {
		return 0, 0, cli.Exit("invalid offset: "+offsetArg, 1)
	}
	return uint32(partitionID), offset, nil
}
