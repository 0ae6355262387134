package reporter

import (
	"context"

	"github.com/ethpandaops/reportoor/pkg/rpclient"
)

// batcher accumulates log records per in-progress item and flushes
// them in bounded batches. A flush never mixes records from two items,
// and insertion order (chronological) is preserved within a batch.
type batcher struct {
	size int
	buf  map[string][]rpclient.LogRecord
}

func newBatcher(size int) *batcher {
	return &batcher{
		size: size,
		buf:  make(map[string][]rpclient.LogRecord),
	}
}

// add buffers one record for the item, flushing when the buffer
// reaches the configured batch size.
func (b *batcher) add(ctx context.Context, client rpclient.Client, itemID string, rec rpclient.LogRecord) error {
	b.buf[itemID] = append(b.buf[itemID], rec)

	if len(b.buf[itemID]) >= b.size {
		return b.flushItem(ctx, client, itemID)
	}

	return nil
}

// flushItem sends the item's pending records as a single batch. The
// final flush on item finish may carry a partial batch.
func (b *batcher) flushItem(ctx context.Context, client rpclient.Client, itemID string) error {
	recs := b.buf[itemID]
	if len(recs) == 0 {
		return nil
	}

	delete(b.buf, itemID)

	return client.Log(ctx, itemID, recs)
}

// flushAll flushes every pending buffer; used when the launch
// transitions to finishing.
func (b *batcher) flushAll(ctx context.Context, client rpclient.Client) error {
	for itemID := range b.buf {
		if err := b.flushItem(ctx, client, itemID); err != nil {
			return err
		}
	}

	return nil
}

// drop discards pending records for an item that degraded before its
// logs could be delivered.
func (b *batcher) drop(itemID string) {
	delete(b.buf, itemID)
}
