// Package plexapi is a minimal client for the Plex server HTTP API,
// covering exactly the calls the sync run needs: enumerating library
// sections and their items, fetching a single item by rating key, and
// triggering the analyze and refresh actions.
package plexapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/plexmirror/plexmirror/pkg/library"
)

// ErrNotFound reports that the server no longer knows the requested item.
// Callers treat it as an ordinary resolution failure, not a transport
// error.
var ErrNotFound = errors.New("plex item not found")

// Service is the surface of the Plex server the sync run depends on.
// *Client is the live implementation; tests substitute fakes.
type Service interface {
	// Sections lists all library sections, including unsupported kinds.
	Sections(ctx context.Context) ([]Section, error)
	// SectionItems enumerates a section at file-part granularity: movies
	// for movie sections, episodes for show sections.
	SectionItems(ctx context.Context, sec Section) ([]Item, error)
	// FetchItem retrieves a single item by rating key. Returns ErrNotFound
	// if the server no longer has it.
	FetchItem(ctx context.Context, ratingKey int) (Item, error)
	// Refresh triggers a scan of all libraries for structural changes.
	Refresh(ctx context.Context) error
}

// Item is one library entry that owns media file parts and can be
// re-analyzed. Movies and episodes implement it.
type Item interface {
	RatingKey() int
	Kind() library.Kind
	// PartPaths returns the absolute file paths of the item's media parts
	// as the server reports them.
	PartPaths() []string
	// Analyze asks the server to re-index this item's content.
	Analyze(ctx context.Context) error
	String() string
}

// Section is one library section as reported by the server.
type Section struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

// Kind maps the section's server type onto a supported library kind.
func (s Section) Kind() (library.Kind, bool) {
	kind, err := library.ParseKind(s.Type)
	return kind, err == nil
}

// Plex metadata type codes used in section queries.
const (
	searchTypeMovie   = 1
	searchTypeEpisode = 4
)

// Client talks to one Plex server.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewClient creates a client for the server at host:port, authenticating
// every request with the given token.
func NewClient(host string, port int, token string) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		token:   token,
		httpc:   &http.Client{Timeout: 2 * time.Minute},
	}
}

// mediaContainer is the envelope every Plex JSON response uses.
type mediaContainer struct {
	MediaContainer struct {
		Directory []Section  `json:"Directory"`
		Metadata  []metadata `json:"Metadata"`
	} `json:"MediaContainer"`
}

// metadata is the wire shape of one library item.
type metadata struct {
	RatingKey        string `json:"ratingKey"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	GrandparentTitle string `json:"grandparentTitle"` // The show title, set on episodes.
	Media            []struct {
		Part []struct {
			File string `json:"file"`
		} `json:"Part"`
	} `json:"Media"`
}

// do issues one API request and decodes the response envelope into out
// when it is non-nil.
func (c *Client) do(ctx context.Context, method, path string, out *mediaContainer) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Plex-Token", c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("request to %s returned status %d", path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
	}
	return nil
}

// Sections implements Service.
func (c *Client) Sections(ctx context.Context) ([]Section, error) {
	var container mediaContainer
	if err := c.do(ctx, http.MethodGet, "/library/sections", &container); err != nil {
		return nil, err
	}
	return container.MediaContainer.Directory, nil
}

// SectionItems implements Service. Show sections are enumerated at
// episode granularity, since episodes are the entries that own file
// parts.
func (c *Client) SectionItems(ctx context.Context, sec Section) ([]Item, error) {
	kind, ok := sec.Kind()
	if !ok {
		return nil, fmt.Errorf("unsupported section type %q", sec.Type)
	}

	searchType := searchTypeMovie
	if kind == library.Show {
		searchType = searchTypeEpisode
	}

	var container mediaContainer
	path := fmt.Sprintf("/library/sections/%s/all?type=%d", sec.Key, searchType)
	if err := c.do(ctx, http.MethodGet, path, &container); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(container.MediaContainer.Metadata))
	for _, md := range container.MediaContainer.Metadata {
		item, err := c.newItem(md)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// FetchItem implements Service.
func (c *Client) FetchItem(ctx context.Context, ratingKey int) (Item, error) {
	var container mediaContainer
	path := fmt.Sprintf("/library/metadata/%d", ratingKey)
	if err := c.do(ctx, http.MethodGet, path, &container); err != nil {
		return nil, err
	}
	if len(container.MediaContainer.Metadata) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return c.newItem(container.MediaContainer.Metadata[0])
}

// Refresh implements Service.
func (c *Client) Refresh(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/library/sections/all/refresh", nil)
}

// analyze triggers server-side re-indexing of one item.
func (c *Client) analyze(ctx context.Context, ratingKey int) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/library/metadata/%d/analyze", ratingKey), nil)
}

// newItem converts a metadata record into the concrete item type for its
// kind.
func (c *Client) newItem(md metadata) (Item, error) {
	var key int
	if _, err := fmt.Sscanf(md.RatingKey, "%d", &key); err != nil {
		return nil, fmt.Errorf("invalid rating key %q: %w", md.RatingKey, err)
	}

	base := itemBase{client: c, ratingKey: key, title: md.Title}
	for _, media := range md.Media {
		for _, part := range media.Part {
			base.parts = append(base.parts, part.File)
		}
	}

	switch md.Type {
	case "movie":
		return &MovieItem{itemBase: base}, nil
	case "episode":
		return &EpisodeItem{itemBase: base, show: md.GrandparentTitle}, nil
	default:
		return nil, fmt.Errorf("unsupported item type %q for rating key %d", md.Type, key)
	}
}

// itemBase carries the state shared by all item kinds.
type itemBase struct {
	client    *Client
	ratingKey int
	title     string
	parts     []string
}

func (i *itemBase) RatingKey() int      { return i.ratingKey }
func (i *itemBase) PartPaths() []string { return i.parts }

func (i *itemBase) Analyze(ctx context.Context) error {
	if err := i.client.analyze(ctx, i.ratingKey); err != nil {
		return fmt.Errorf("failed to analyze item %d: %w", i.ratingKey, err)
	}
	return nil
}

// MovieItem is an entry of a movie section.
type MovieItem struct {
	itemBase
}

func (i *MovieItem) Kind() library.Kind { return library.Movie }

func (i *MovieItem) String() string {
	return fmt.Sprintf("<Movie %d %q>", i.ratingKey, i.title)
}

// EpisodeItem is an entry of a show section, enumerated per episode.
type EpisodeItem struct {
	itemBase
	show string
}

func (i *EpisodeItem) Kind() library.Kind { return library.Show }

func (i *EpisodeItem) String() string {
	return fmt.Sprintf("<Episode %d %q - %q>", i.ratingKey, i.show, i.title)
}
