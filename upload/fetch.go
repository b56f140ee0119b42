package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/onnwee/tgscribe/retry"
)

// Fetcher downloads remote files to local paths.
type Fetcher struct {
	HTTP   *http.Client
	Policy retry.Policy
}

// Fetch downloads url into dst, overwriting it.
func (f *Fetcher) Fetch(ctx context.Context, url, dst string) error {
	hc := f.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	return retry.Run(ctx, f.Policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := hc.Do(req)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", url, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("fetch %s: %w", url, &retry.StatusError{Code: resp.StatusCode})
		}
		out, err := os.Create(dst)
		if err != nil {
			return retry.Permanent(fmt.Errorf("create %s: %w", dst, err))
		}
		if _, err := io.Copy(out, resp.Body); err != nil {
			out.Close()
			return fmt.Errorf("fetch %s: %w", url, err)
		}
		return out.Close()
	})
}
