package signals

import "context"

// Ranker exposes the domestic ranking lists.
type Ranker interface {
	VolumeRank(ctx context.Context, count int) ([]Entry, error)
	VolumePower(ctx context.Context, count int) ([]Entry, error)
	FluctuationRank(ctx context.Context, count int) ([]Entry, error)
	BulkTrans(ctx context.Context, count int) ([]Entry, error)
	TopMarketCap(ctx context.Context, count int) ([]Entry, error)
}

// USRanker exposes the overseas volume leaders list.
type USRanker interface {
	USVolumeRank(ctx context.Context, count int) ([]Entry, error)
}

// RankerSources binds the five domestic lists to their source names.
func RankerSources(r Ranker, count int) []Source {
	bind := func(fn func(context.Context, int) ([]Entry, error)) FetchFunc {
		return func(ctx context.Context) ([]Entry, error) { return fn(ctx, count) }
	}
	return []Source{
		{Name: SourceVolume, Fetch: bind(r.VolumeRank)},
		{Name: SourcePower, Fetch: bind(r.VolumePower)},
		{Name: SourceFluctuation, Fetch: bind(r.FluctuationRank)},
		{Name: SourceBulk, Fetch: bind(r.BulkTrans)},
		{Name: SourceMarketCap, Fetch: bind(r.TopMarketCap)},
	}
}

// USSources returns the overseas source set; only the volume list exists there.
func USSources(r USRanker, count int) []Source {
	return []Source{{
		Name: SourceVolume,
		Fetch: func(ctx context.Context) ([]Entry, error) {
			return r.USVolumeRank(ctx, count)
		},
	}}
}
