// Package gitops acquires build sources: it clones repositories at a
// requested branch into isolated working directories, injecting credential
// tokens into the transport URL and polling for run termination so a clone
// in flight can be abandoned.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"

	"git.home.luguber.info/inful/buildhost/internal/cancel"
	"git.home.luguber.info/inful/buildhost/internal/logfields"
)

// cancelPollInterval is how often an in-flight clone checks for termination.
const cancelPollInterval = time.Second

// CloneSpec describes one clone operation.
type CloneSpec struct {
	URL    string
	Branch string
	Token  string // optional transport token, injected into the URL
	Dir    string // target directory
	// Replace clears a pre-existing non-empty target before cloning.
	Replace bool
}

// Client performs clone operations.
type Client struct{}

// NewClient creates a git client.
func NewClient() *Client { return &Client{} }

// InjectToken rewrites an http(s) URL to carry an oauth2 token. URLs that
// already embed userinfo have it replaced.
func InjectToken(repoURL, token string) string {
	if token == "" || !strings.HasPrefix(repoURL, "http") {
		return repoURL
	}
	if at := strings.Index(repoURL, "@"); at >= 0 {
		return "https://oauth2:" + token + "@" + repoURL[at+1:]
	}
	return strings.Replace(repoURL, "://", "://oauth2:"+token+"@", 1)
}

// RepoNameFromURL extracts the repository name from a clone URL for use as a
// directory component.
var repoNameRe = regexp.MustCompile(`/([^/]+?)(?:\.git)?/?$`)

func RepoNameFromURL(repoURL string) string {
	if m := repoNameRe.FindStringSubmatch(repoURL); m != nil {
		return strings.TrimSuffix(m[1], ".git")
	}
	return "repository"
}

// Clone clones spec.URL at spec.Branch into spec.Dir, verifying the result
// is non-empty. The cancellation source is polled throughout; a positive
// signal aborts the transfer and returns CancelledError.
func (c *Client) Clone(ctx context.Context, spec CloneSpec, cancelSrc cancel.Source) error {
	if cancelSrc != nil && cancelSrc.Cancelled() {
		return &CancelledError{Op: "clone"}
	}

	if spec.Replace {
		if entries, err := os.ReadDir(spec.Dir); err == nil && len(entries) > 0 {
			if err := os.RemoveAll(spec.Dir); err != nil {
				return fmt.Errorf("failed to clear existing directory: %w", err)
			}
		}
	}
	if err := os.MkdirAll(spec.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create clone directory: %w", err)
	}

	cloneURL := InjectToken(spec.URL, spec.Token)
	slog.Debug("cloning repository", logfields.URL(spec.URL), logfields.Branch(spec.Branch), logfields.Path(spec.Dir))

	cloneCtx, stop := context.WithCancel(ctx)
	defer stop()
	cancelled := watchCancel(cloneCtx, stop, cancelSrc)

	options := &git.CloneOptions{URL: cloneURL}
	if spec.Branch != "" {
		options.ReferenceName = plumbing.ReferenceName("refs/heads/" + spec.Branch)
		options.SingleBranch = true
	}
	_, err := git.PlainCloneContext(cloneCtx, spec.Dir, false, options)
	if err != nil {
		if cancelled.Load() || errors.Is(err, context.Canceled) {
			return &CancelledError{Op: "clone"}
		}
		return classifyCloneError(spec.URL, err)
	}
	if cancelSrc != nil && cancelSrc.Cancelled() {
		return &CancelledError{Op: "clone"}
	}

	entries, err := os.ReadDir(spec.Dir)
	if err != nil || len(entries) == 0 {
		return &EmptyCloneError{Path: spec.Dir}
	}
	slog.Info("repository cloned", logfields.URL(spec.URL), logfields.Branch(spec.Branch), logfields.Path(spec.Dir))
	return nil
}

// ResolveBranchHead returns the commit id a branch currently points at,
// without cloning. Used by scheduled builds, which have no user-supplied
// commit.
func (c *Client) ResolveBranchHead(ctx context.Context, repoURL, branch, token string) (string, error) {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{InjectToken(repoURL, token)},
	})
	refs, err := remote.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return "", classifyCloneError(repoURL, err)
	}
	want := plumbing.ReferenceName("refs/heads/" + branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return ref.Hash().String(), nil
		}
	}
	return "", &NotFoundError{Op: "ls-remote", URL: repoURL, Err: fmt.Errorf("branch %s not found", branch)}
}
