package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/patelg123/cumulus/cumulustypes"
	"github.com/patelg123/cumulus/errors"
)

const httpRequestTimeout = 5 * time.Minute

// httpAdapter fetches files over HTTP or HTTPS. Listing parses the anchors
// of a directory-index page, which is how most science-data providers
// publish their holdings over HTTP.
type httpAdapter struct {
	provider cumulustypes.Provider
	scheme   string
	client   *http.Client
}

func newHTTP(p cumulustypes.Provider) *httpAdapter {
	scheme := "http"
	if p.Protocol == cumulustypes.ProtocolHTTPS {
		scheme = "https"
	}
	return &httpAdapter{
		provider: p,
		scheme:   scheme,
		client:   &http.Client{Timeout: httpRequestTimeout},
	}
}

// Connect probes the endpoint root so auth and network failures surface
// before any file transfer starts.
func (a *httpAdapter) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.baseURL("")+"/", nil)
	if err != nil {
		return errors.NewProviderError("connect", a.provider.ID, errors.ErrInvalidInput).
			WithMessage(err.Error())
	}
	a.auth(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return normalize("connect", a.provider.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errors.NewProviderError("connect", a.provider.ID, errors.ErrConnectionRefused).
			WithMessage(resp.Status)
	}
	return nil
}

// List fetches the directory-index page for dir and extracts the file links.
func (a *httpAdapter) List(ctx context.Context, dir string) ([]RemoteFile, error) {
	listURL := a.baseURL(dir) + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, errors.NewProviderError("list", a.provider.ID, errors.ErrInvalidInput).
			WithMessage(err.Error())
	}
	a.auth(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, normalize("list", a.provider.ID, err)
	}
	defer resp.Body.Close()

	if err := a.mapStatus("list", resp.StatusCode); err != nil {
		return nil, err
	}

	names, err := parseIndexLinks(resp.Body)
	if err != nil {
		return nil, normalize("list", a.provider.ID, err)
	}

	files := make([]RemoteFile, 0, len(names))
	for _, name := range names {
		files = append(files, RemoteFile{
			Path: path.Join(a.provider.BasePath, dir, name),
			Name: name,
		})
	}
	return files, nil
}

// Fetch streams one file's response body into dst.
func (a *httpAdapter) Fetch(ctx context.Context, remote RemoteFile, dst io.Writer) (int64, error) {
	fileURL := (&url.URL{
		Scheme: a.scheme,
		Host:   a.hostWithPort(),
		Path:   "/" + strings.TrimPrefix(remote.Path, "/"),
	}).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return 0, errors.NewProviderError("fetch", a.provider.ID, errors.ErrInvalidInput).
			WithMessage(err.Error())
	}
	a.auth(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, normalize("fetch", a.provider.ID, err)
	}
	defer resp.Body.Close()

	if err := a.mapStatus("fetch", resp.StatusCode); err != nil {
		return 0, err
	}

	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return n, normalize("fetch", a.provider.ID, err)
	}
	return n, nil
}

// Teardown releases idle connections. Safe to call repeatedly.
func (a *httpAdapter) Teardown() error {
	a.client.CloseIdleConnections()
	return nil
}

// auth applies basic credentials when the provider declares them.
func (a *httpAdapter) auth(req *http.Request) {
	if a.provider.Username != "" {
		req.SetBasicAuth(a.provider.Username, a.provider.Password)
	}
}

// baseURL joins the endpoint with the provider base path and dir.
func (a *httpAdapter) baseURL(dir string) string {
	u := url.URL{
		Scheme: a.scheme,
		Host:   a.hostWithPort(),
		Path:   "/" + strings.TrimPrefix(path.Join(a.provider.BasePath, dir), "/"),
	}
	return strings.TrimSuffix(u.String(), "/")
}

// hostWithPort renders host[:port], omitting protocol-default ports.
func (a *httpAdapter) hostWithPort() string {
	if a.provider.Port == 0 ||
		(a.scheme == "http" && a.provider.Port == 80) ||
		(a.scheme == "https" && a.provider.Port == 443) {
		return a.provider.Host
	}
	return fmt.Sprintf("%s:%d", a.provider.Host, a.provider.Port)
}

// mapStatus translates HTTP status codes into the engine taxonomy.
func (a *httpAdapter) mapStatus(op string, status int) error {
	switch {
	case status == http.StatusNotFound:
		return errors.NewProviderError(op, a.provider.ID, errors.ErrNotFound).
			WithMessage(http.StatusText(status))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.NewProviderError(op, a.provider.ID, errors.ErrConnectionRefused).
			WithMessage(http.StatusText(status))
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return errors.NewProviderError(op, a.provider.ID, errors.ErrTimeout).
			WithMessage(http.StatusText(status))
	case status >= 400:
		return errors.NewProviderError(op, a.provider.ID, errors.ErrTransientIO).
			WithMessage(http.StatusText(status))
	}
	return nil
}

// parseIndexLinks extracts file names from the anchors of a directory-index
// page. Subdirectories, query links, parent references, and absolute URLs
// are ignored.
func parseIndexLinks(r io.Reader) ([]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse index page: %w", err)
	}

	var names []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				if name, ok := fileLink(attr.Val); ok {
					names = append(names, name)
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return names, nil
}

// fileLink reports whether an href names a plain file within the listing.
func fileLink(href string) (string, bool) {
	if href == "" ||
		strings.HasSuffix(href, "/") ||
		strings.HasPrefix(href, "?") ||
		strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "/") ||
		strings.Contains(href, "://") ||
		strings.Contains(href, "..") {
		return "", false
	}
	unescaped, err := url.PathUnescape(href)
	if err != nil {
		return "", false
	}
	return unescaped, true
}
