package archive

import (
	"fmt"

	"sovereignhose/internal/model"
)

// Reader serves point reads of archived events given an IndexRecord,
// decompressing each cluster at most once via ClusterCache (§4.8:
// "decompress exactly once").
type Reader struct {
	dw    *dataWriter
	cache *ClusterCache
	dict  []byte
}

func newReader(dw *dataWriter, cache *ClusterCache, dict []byte) *Reader {
	return &Reader{dw: dw, cache: cache, dict: dict}
}

// Read resolves one archived event from its IndexRecord.
func (r *Reader) Read(rec model.IndexRecord) (model.Event, error) {
	cluster, ok := r.cache.Get(rec.BinOff)
	if !ok {
		compressed, err := r.dw.readFrameAt(rec.BinOff, rec.CLen)
		if err != nil {
			return model.Event{}, err
		}
		cluster, err = decompressCluster(compressed, r.dict)
		if err != nil {
			return model.Event{}, fmt.Errorf("archive: decompress cluster at %d: %w", rec.BinOff, err)
		}
		r.cache.Put(rec.BinOff, cluster)
	}

	if int(rec.InnerOff)+int(rec.ILen) > len(cluster) {
		return model.Event{}, fmt.Errorf("archive: index record out of bounds for cluster at %d", rec.BinOff)
	}

	msgs, err := decodeCluster(cluster[:rec.InnerOff+rec.ILen])
	if err != nil {
		return model.Event{}, err
	}
	if len(msgs) == 0 {
		return model.Event{}, fmt.Errorf("archive: no messages decoded up to offset %d", rec.InnerOff)
	}
	last := msgs[len(msgs)-1]
	if last.offset != int(rec.InnerOff) {
		return model.Event{}, fmt.Errorf("archive: index record offset mismatch: want %d, got %d", rec.InnerOff, last.offset)
	}
	return last.event, nil
}
