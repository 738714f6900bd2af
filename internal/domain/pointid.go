package domain

import "github.com/minio/highwayhash"

var pointKey = []byte("ragpipe-point-id-key-0123456789a")

// PointID derives the vector store id of a chunk. The mapping is stable
// across runs so re-ingesting a document overwrites its points.
func PointID(chunkID string) uint64 {
	return highwayhash.Sum64([]byte(chunkID), pointKey)
}
