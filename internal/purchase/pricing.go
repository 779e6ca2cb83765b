package purchase

import "math"

// ChunkPrice prices an encrypted chunk by relevance: round(max / (distance+1)),
// rounding half to even. Distances below zero are treated as zero and the
// result is never less than 1.
func ChunkPrice(maxChunkPrice, distance float64) int64 {
	if distance < 0 || math.IsNaN(distance) {
		distance = 0
	}
	p := math.RoundToEven(maxChunkPrice / (distance + 1))
	if p < 1 {
		return 1
	}
	return int64(p)
}

// DocumentPrice is the whole-document price for a document of chunkCount
// chunks.
func DocumentPrice(perChunk float64, chunkCount int) float64 {
	return perChunk * float64(chunkCount)
}
