// Package api exposes the read surface of the ingestor over HTTP: the
// published snapshot (latest pointer, indices, diffs, notice details, error
// manifest, stats), the configured boards, batch history, and an
// authenticated trigger endpoint for starting a batch on demand.
package api
