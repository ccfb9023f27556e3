package crawl

import (
	"fmt"
	"time"

	"github.com/JakeFAU/outreach-crawler/internal/checkpoint"
	"github.com/JakeFAU/outreach-crawler/internal/faults"
)

// WriteBatches splits records into batch files of size and records the
// number of batches in idx. Batch numbers start at 0.
func WriteBatches(store *checkpoint.Store, idx *checkpoint.MasterIndex, kind checkpoint.ListKind,
	records []checkpoint.ConnectionRecord, size int, at time.Time,
) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("batch size must be > 0")
	}
	chunks := checkpoint.Chunk(records, size)
	for n, chunk := range chunks {
		start := n * size
		b := checkpoint.BatchFile{
			BatchNumber: n,
			Kind:        kind,
			Items:       chunk,
			Meta: checkpoint.BatchMeta{
				Start:     start,
				End:       start + len(chunk),
				Total:     len(records),
				CreatedAt: at,
			},
		}
		if _, err := store.SaveBatch(b); err != nil {
			return 0, faults.New(faults.FileSystem, "save batch", err)
		}
	}
	idx.SetBatchCount(kind, len(chunks))
	return len(chunks), nil
}

// LoadList reads back every record of kind from the link files in idx.
func LoadList(store *checkpoint.Store, idx *checkpoint.MasterIndex, kind checkpoint.ListKind) ([]checkpoint.ConnectionRecord, error) {
	var out []checkpoint.ConnectionRecord
	for _, ref := range idx.Files[kind] {
		recs, err := store.LoadLinkFile(ref)
		if err != nil {
			return nil, faults.New(faults.FileSystem, "load link file", err)
		}
		out = append(out, recs...)
	}
	return out, nil
}
