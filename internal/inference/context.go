package inference

import "context"

type datasetKey struct{}

// WithDatasetID tags ctx with the dataset a request belongs to. Cached results
// are partitioned by dataset.
func WithDatasetID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, datasetKey{}, id)
}

// DatasetID returns the dataset set by WithDatasetID, or "".
func DatasetID(ctx context.Context) string {
	id, _ := ctx.Value(datasetKey{}).(string)
	return id
}
