package pipeline

import (
	"github.com/myelnet/blobfabric/blockengine"
	"github.com/myelnet/blobfabric/metadata"
)

// Deleter removes every chunk of an artifact, clearing IgnoreIfNotFound
// so a repeat delete surfaces NoSuchFileOrDirectory instead of silently
// succeeding (spec.md 4.F.6).
type Deleter struct {
	pool *clientPool
}

func NewDeleter(clients []*blockengine.Client) *Deleter {
	return &Deleter{pool: newClientPool(clients)}
}

// Run issues RemoveDataBlock for every chunk in reader and returns the
// first error encountered (spec.md 4.F.6 "a second delete errors with
// NoSuchFileOrDirectory").
func (d *Deleter) Run(reader *metadata.Reader) error {
	if d.pool.len() == 0 {
		return errNoClients
	}
	for _, entryID := range reader.QueryAllEntries() {
		for _, chunkID := range reader.QueryChunks(entryID) {
			c := d.pool.at(0)
			if err := c.Remove(chunkID, false); err != nil {
				return err
			}
			d.pool.advance()
		}
	}
	return nil
}
