package offline0

import (
	"fmt"
	"net/http"
	"net/url"
)

// DefaultManifest is the application shell cached at install time. Bump the
// agent version whenever it changes.
var DefaultManifest = []string{
	"./",
	"./index.html",
	"./config.html",
	"./paiements.html",
	"./comptabilite.html",
	"./messages.html",
	"./documents.html",
	"./manifest.json",
	"https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/css/bootstrap.min.css",
	"https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/js/bootstrap.bundle.min.js",
	"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.0.0/css/all.min.css",
	"https://cdnjs.cloudflare.com/ajax/libs/html2canvas/1.4.1/html2canvas.min.js",
}

// resolveRequest builds a GET request for a manifest entry; relative entries
// resolve against origin.
func resolveRequest(origin *url.URL, entry string) (*http.Request, error) {
	ref, err := url.Parse(entry)
	if err != nil {
		return nil, fmt.Errorf("manifest entry %q: %w", entry, err)
	}
	u := origin.ResolveReference(ref)
	return http.NewRequest(http.MethodGet, u.String(), nil)
}

func resolveManifest(origin *url.URL, entries []string) ([]*http.Request, error) {
	out := make([]*http.Request, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		req, err := resolveRequest(origin, e)
		if err != nil {
			return nil, err
		}
		// a duplicate would be fetched twice for a single key
		if _, ok := seen[req.URL.String()]; ok {
			return nil, fmt.Errorf("manifest entry %q: duplicate of %s", e, req.URL)
		}
		seen[req.URL.String()] = struct{}{}
		out = append(out, req)
	}
	return out, nil
}
