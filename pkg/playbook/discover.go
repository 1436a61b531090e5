package playbook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stackpilot/stackpilot/pkg/stores"
)

// discoveryScanLimit bounds how many cached rows one parameter lookup reads.
const discoveryScanLimit = 200

// DiscoverFromStore answers parameters from remote state already cached in
// the resource store. A parameter resolves to the value of a matching tag on
// an active, non-invalidated resource; "location" additionally falls back to
// the location of the first active resource, since a deployment rarely spans
// regions.
func DiscoverFromStore(backend stores.Store) DiscoverFunc {
	return func(ctx context.Context, name string) (string, bool, error) {
		rows, err := backend.ListActiveResources(ctx, nil, nil, discoveryScanLimit, 0)
		if err != nil {
			return "", false, fmt.Errorf("parameter discovery query failed: %w", err)
		}

		var fallbackLocation string
		for _, r := range rows {
			if r.InvalidatedAt != nil {
				continue
			}
			if fallbackLocation == "" && r.Location != "" {
				fallbackLocation = r.Location
			}
			if r.Tags == "" {
				continue
			}
			var tags map[string]string
			if err := json.Unmarshal([]byte(r.Tags), &tags); err != nil {
				continue
			}
			if v, ok := tags[name]; ok && v != "" {
				return v, true, nil
			}
		}

		if name == "location" && fallbackLocation != "" {
			return fallbackLocation, true, nil
		}
		return "", false, nil
	}
}
