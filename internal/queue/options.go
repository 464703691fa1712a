package queue

type batchOptions struct {
	chunkSize int
	onFailure func(item Item, err error)
}

// BatchOption configures a single batch.
type BatchOption func(*batchOptions)

// WithChunkSize overrides the queue's chunk size for one batch.
func WithChunkSize(n int) BatchOption {
	return func(o *batchOptions) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithFailureHook runs fn after a failed item has been recorded.
func WithFailureHook(fn func(item Item, err error)) BatchOption {
	return func(o *batchOptions) {
		o.onFailure = fn
	}
}

func (q *Queue) batchOptions(opts []BatchOption) batchOptions {
	o := batchOptions{chunkSize: q.cfg.ChunkSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
