package transfer

import (
	"context"

	"github.com/ligustah/shuttle/internal/domain"
)

// Extractor unpacks a downloaded file. It reports progress through the
// callback and returns once extraction finished. It must return ctx's error
// when cancelled.
type Extractor interface {
	Extract(ctx context.Context, path string, progress func(domain.ExtractProgress)) error
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, path string, progress func(domain.ExtractProgress)) error

func (f ExtractorFunc) Extract(ctx context.Context, path string, progress func(domain.ExtractProgress)) error {
	return f(ctx, path, progress)
}

// NoExtract leaves the file as downloaded and reports completion at once.
var NoExtract Extractor = ExtractorFunc(func(ctx context.Context, _ string, progress func(domain.ExtractProgress)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	progress(domain.ExtractProgress{Percent: 100, ExtractedCount: 1, TotalCount: 1})
	return nil
})
