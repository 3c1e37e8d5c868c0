package source

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/contestwatch/proctor-engine/internal/heuristics"
	"github.com/contestwatch/proctor-engine/pkg/models"
)

// Remote source-hosting API client (GitHub REST v3 shape). The sync worker
// talks to the remote strictly sequentially to respect its rate limits;
// every call carries a hard timeout.

const (
	defaultAPIBase = "https://api.github.com"
	remoteTimeout  = 15 * time.Second
	commitsPerPage = 100
	maxCommitPages = 10 // bounds one incremental window
)

// Typed failures the scheduler distinguishes: a timeout is retried by the
// caller, an unavailable remote skips the repo for this cycle.
var (
	ErrRemoteUnavailable = errors.New("source: remote unavailable")
	ErrRemoteTimeout     = errors.New("source: remote timeout")
	ErrRepoNotFound      = errors.New("source: repository not found")
)

// RepoInfo is the repository metadata used at registration.
type RepoInfo struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	DefaultBranch string `json:"defaultBranch"`
}

// RemoteAPI is the contract the scheduler runs against; Client is the
// production implementation, tests substitute a fake.
type RemoteAPI interface {
	// Repo verifies accessibility and returns metadata.
	Repo(ctx context.Context, owner, repo string) (*RepoInfo, error)
	// CommitList returns commit ids newest-first, optionally bounded by a
	// since timestamp (zero means full history).
	CommitList(ctx context.Context, owner, repo string, since time.Time) ([]CommitRef, error)
	// CommitDetail fetches one commit's change stats.
	CommitDetail(ctx context.Context, owner, repo, id string) (*models.Commit, error)
	// CodeFiles fetches the repository's eligible source files
	// (path → content), honouring the fingerprint skip rules and size cap.
	CodeFiles(ctx context.Context, owner, repo, branch string) (map[string]string, error)
}

// CommitRef is one entry of the commit listing (stats not yet fetched).
type CommitRef struct {
	ID        string
	Message   string
	Timestamp time.Time
}

// Client calls the source-hosting REST API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates the client. token is required by private contest
// repositories; base defaults to the public API host.
func NewClient(base, token string) *Client {
	if base == "" {
		base = defaultAPIBase
	}
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: remoteTimeout},
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) && ue.Timeout() {
			return fmt.Errorf("%w: GET %s", ErrRemoteTimeout, path)
		}
		return fmt.Errorf("%w: GET %s: %v", ErrRemoteUnavailable, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrRepoNotFound, path)
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: GET %s: status %d", ErrRemoteUnavailable, path, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("source: GET %s: unexpected status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrRemoteUnavailable, err)
	}
	return json.Unmarshal(body, out)
}

func (c *Client) Repo(ctx context.Context, owner, repo string) (*RepoInfo, error) {
	var payload struct {
		Name          string `json:"name"`
		DefaultBranch string `json:"default_branch"`
		Owner         struct {
			Login string `json:"login"`
		} `json:"owner"`
	}
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/%s", owner, repo), &payload); err != nil {
		return nil, err
	}
	branch := payload.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	return &RepoInfo{Owner: payload.Owner.Login, Name: payload.Name, DefaultBranch: branch}, nil
}

func (c *Client) CommitList(ctx context.Context, owner, repo string, since time.Time) ([]CommitRef, error) {
	var refs []CommitRef
	for page := 1; page <= maxCommitPages; page++ {
		path := fmt.Sprintf("/repos/%s/%s/commits?per_page=%d&page=%d", owner, repo, commitsPerPage, page)
		if !since.IsZero() {
			path += "&since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
		}

		var payload []struct {
			SHA    string `json:"sha"`
			Commit struct {
				Message string `json:"message"`
				Author  struct {
					Date time.Time `json:"date"`
				} `json:"author"`
			} `json:"commit"`
		}
		if err := c.get(ctx, path, &payload); err != nil {
			return nil, err
		}
		for _, entry := range payload {
			refs = append(refs, CommitRef{
				ID:        entry.SHA,
				Message:   entry.Commit.Message,
				Timestamp: entry.Commit.Author.Date,
			})
		}
		if len(payload) < commitsPerPage {
			break
		}
	}
	return refs, nil
}

func (c *Client) CommitDetail(ctx context.Context, owner, repo, id string) (*models.Commit, error) {
	var payload struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message string `json:"message"`
			Author  struct {
				Date time.Time `json:"date"`
			} `json:"author"`
		} `json:"commit"`
		Stats struct {
			Additions int `json:"additions"`
			Deletions int `json:"deletions"`
		} `json:"stats"`
		Files []struct {
			Filename string `json:"filename"`
		} `json:"files"`
	}
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/commits/%s", owner, repo, id), &payload); err != nil {
		return nil, err
	}
	return &models.Commit{
		ID:           payload.SHA,
		Message:      payload.Commit.Message,
		Timestamp:    payload.Commit.Author.Date,
		Additions:    payload.Stats.Additions,
		Deletions:    payload.Stats.Deletions,
		FilesChanged: len(payload.Files),
	}, nil
}

// CodeFiles walks the branch tree and downloads every eligible blob. Files
// over the fingerprint size cap and vendored/generated paths are skipped
// before any download happens.
func (c *Client) CodeFiles(ctx context.Context, owner, repo, branch string) (map[string]string, error) {
	if branch == "" {
		branch = "main"
	}

	var tree struct {
		Tree []struct {
			Path string `json:"path"`
			Type string `json:"type"`
			Size int    `json:"size"`
		} `json:"tree"`
		Truncated bool `json:"truncated"`
	}
	path := fmt.Sprintf("/repos/%s/%s/git/trees/%s?recursive=1", owner, repo, url.PathEscape(branch))
	if err := c.get(ctx, path, &tree); err != nil {
		return nil, err
	}
	if tree.Truncated {
		log.Printf("[Source] Tree listing for %s/%s truncated by remote; scanning partial tree", owner, repo)
	}

	files := make(map[string]string)
	for _, entry := range tree.Tree {
		if entry.Type != "blob" || entry.Size > heuristics.MaxFingerprintFileBytes {
			continue
		}
		if !heuristics.EligibleForScan(entry.Path, "") {
			continue
		}

		var blob struct {
			Content  string `json:"content"`
			Encoding string `json:"encoding"`
		}
		blobPath := fmt.Sprintf("/repos/%s/%s/contents/%s?ref=%s",
			owner, repo, escapePath(entry.Path), url.QueryEscape(branch))
		if err := c.get(ctx, blobPath, &blob); err != nil {
			log.Printf("[Source] Skipping %s/%s:%s: %v", owner, repo, entry.Path, err)
			continue
		}
		content := blob.Content
		if blob.Encoding == "base64" {
			decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(content, "\n", ""))
			if err != nil {
				continue
			}
			content = string(decoded)
		}
		if !heuristics.EligibleForScan(entry.Path, content) {
			continue
		}
		files[entry.Path] = content
	}
	return files, nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
