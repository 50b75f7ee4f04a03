package metadata

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/meridiantv/broadcastd/internal/model"
)

// TMDBProvider looks up movies/shows on The Movie Database by title (and
// year, when the item itself already carries one).
// Grounded on the TMDB client shape in the example pack's metadata service
// (search-by-title, api_key query param, 10s client timeout).
type TMDBProvider struct {
	apiKey string
	client *http.Client
}

func NewTMDBProvider(apiKey string, client *http.Client) *TMDBProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &TMDBProvider{apiKey: apiKey, client: client}
}

func (p *TMDBProvider) Name() string { return "tmdb" }

const tmdbBaseURL = "https://api.themoviedb.org/3"

func (p *TMDBProvider) Lookup(ctx context.Context, item model.MediaItem) (Fields, bool, error) {
	if p.apiKey == "" || strings.TrimSpace(item.Title) == "" {
		return Fields{}, false, fmt.Errorf("tmdb: missing api key or title")
	}
	q := url.Values{}
	q.Set("api_key", p.apiKey)
	q.Set("query", item.Title)
	if item.Year != nil {
		q.Set("year", strconv.Itoa(*item.Year))
	}
	endpoint := "/search/movie"
	if item.Season != nil || item.Episode != nil {
		endpoint = "/search/tv"
	}

	var result struct {
		Results []struct {
			Title        string `json:"title"`
			Name         string `json:"name"`
			ReleaseDate  string `json:"release_date"`
			FirstAirDate string `json:"first_air_date"`
			GenreIDs     []int  `json:"genre_ids"`
		} `json:"results"`
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tmdbBaseURL+endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return Fields{}, false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Fields{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Fields{}, false, fmt.Errorf("tmdb: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Fields{}, false, err
	}
	if len(result.Results) == 0 {
		return Fields{}, false, nil
	}
	top := result.Results[0]
	title := top.Title
	if title == "" {
		title = top.Name
	}
	dateStr := top.ReleaseDate
	if dateStr == "" {
		dateStr = top.FirstAirDate
	}
	var year *int
	if len(dateStr) >= 4 {
		if y, err := strconv.Atoi(dateStr[:4]); err == nil {
			year = &y
		}
	}
	return Fields{Title: title, Year: year}, true, nil
}

// TVDBProvider looks up series/episode metadata on TheTVDB. Grounded on the
// same request/response shape the pack's TMDB client uses, adapted to
// TheTVDB's token-bearer authentication and series/episode endpoints.
type TVDBProvider struct {
	apiKey string
	client *http.Client
}

func NewTVDBProvider(apiKey string, client *http.Client) *TVDBProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &TVDBProvider{apiKey: apiKey, client: client}
}

func (p *TVDBProvider) Name() string { return "tvdb" }

const tvdbBaseURL = "https://api4.thetvdb.com/v4"

func (p *TVDBProvider) Lookup(ctx context.Context, item model.MediaItem) (Fields, bool, error) {
	if p.apiKey == "" || strings.TrimSpace(item.Title) == "" {
		return Fields{}, false, fmt.Errorf("tvdb: missing api key or title")
	}
	q := url.Values{}
	q.Set("query", item.Title)

	var result struct {
		Data []struct {
			Name string `json:"name"`
			Year string `json:"year"`
		} `json:"data"`
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tvdbBaseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return Fields{}, false, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return Fields{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Fields{}, false, fmt.Errorf("tvdb: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Fields{}, false, err
	}
	if len(result.Data) == 0 {
		return Fields{}, false, nil
	}
	top := result.Data[0]
	var year *int
	if y, err := strconv.Atoi(top.Year); err == nil {
		year = &y
	}
	return Fields{Title: top.Name, Year: year, Season: item.Season, Episode: item.Episode}, true, nil
}

// NFOProvider reads a Kodi/Jellyfin-style .nfo XML sidecar beside the media
// file, when present — the same convention internal/transcoder and the
// teacher's VOD ingestion assume for local sources.
type NFOProvider struct{}

func NewNFOProvider() *NFOProvider { return &NFOProvider{} }

func (p *NFOProvider) Name() string { return "nfo" }

type nfoDoc struct {
	Title   string `xml:"title"`
	Season  *int   `xml:"season"`
	Episode *int   `xml:"episode"`
	Year    *int   `xml:"year"`
	Genre   []string `xml:"genre"`
}

func (p *NFOProvider) Lookup(ctx context.Context, item model.MediaItem) (Fields, bool, error) {
	if item.Source != model.SourceLocal || item.URL == "" {
		return Fields{}, false, fmt.Errorf("nfo: not a local file")
	}
	nfoPath := strings.TrimSuffix(item.URL, path.Ext(item.URL)) + ".nfo"
	f, err := os.Open(nfoPath)
	if err != nil {
		return Fields{}, false, err
	}
	defer f.Close()

	var doc nfoDoc
	if err := xml.NewDecoder(f).Decode(&doc); err != nil {
		return Fields{}, false, err
	}
	return Fields{Title: doc.Title, Season: doc.Season, Episode: doc.Episode, Year: doc.Year, Genres: doc.Genre}, true, nil
}

// FilenameProvider is the terminal, always-available chain entry: it parses
// SxxEyy and a four-digit year out of the basename. Grounded on
// internal/epg.deriveFromFilename's same two regexes, generalized here to
// return structured Season/Episode/Year instead of a formatted title string.
type FilenameProvider struct{}

func NewFilenameProvider() *FilenameProvider { return &FilenameProvider{} }

func (p *FilenameProvider) Name() string { return "filename" }

var (
	filenameEpisodePattern = regexp.MustCompile(`(?i)S(\d{1,2})E(\d{1,2})`)
	filenameYearPattern    = regexp.MustCompile(`(19|20)\d{2}`)
)

func (p *FilenameProvider) Lookup(ctx context.Context, item model.MediaItem) (Fields, bool, error) {
	base := path.Base(item.URL)
	name := strings.TrimSuffix(base, path.Ext(base))
	var out Fields
	found := false

	if m := filenameEpisodePattern.FindStringSubmatch(name); m != nil {
		if s, err := strconv.Atoi(m[1]); err == nil {
			out.Season = &s
			found = true
		}
		if e, err := strconv.Atoi(m[2]); err == nil {
			out.Episode = &e
			found = true
		}
		show := strings.Trim(filenameEpisodePattern.ReplaceAllString(name, ""), " -._")
		if show != "" {
			out.Title = show
		}
	}
	if m := filenameYearPattern.FindString(name); m != "" {
		if y, err := strconv.Atoi(m); err == nil {
			out.Year = &y
			found = true
		}
	}
	if !found {
		return Fields{}, false, fmt.Errorf("filename: no structured metadata in %q", name)
	}
	return out, true, nil
}
