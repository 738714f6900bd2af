package domain

// RankByVector converts candidates, already in vector order, into at most
// topN results without rerank scores. topN <= 0 keeps all.
func RankByVector(candidates []SearchCandidate, topN int) []RankedResult {
	if topN <= 0 || topN > len(candidates) {
		topN = len(candidates)
	}
	out := make([]RankedResult, 0, topN)
	for i, c := range candidates[:topN] {
		out = append(out, NewRankedResult(i+1, c, nil))
	}
	return out
}

// NewRankedResult builds the output record for one candidate.
func NewRankedResult(rank int, c SearchCandidate, rerankScore *float64) RankedResult {
	return RankedResult{
		Rank:           rank,
		PointID:        c.PointID,
		Text:           c.Payload.Text,
		SourceFilename: c.Payload.SourceFilename,
		Page:           c.Payload.Page(),
		VectorScore:    c.VectorScore,
		RerankScore:    rerankScore,
		Metadata:       c.Payload.Metadata,
	}
}
