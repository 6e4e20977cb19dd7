package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/utilitywarehouse/index-sync/auth"
	"github.com/utilitywarehouse/index-sync/giturl"
	"github.com/utilitywarehouse/index-sync/internal/utils"
)

var gitExecutablePath string

// chars which are not allowed in git reference names
const invalidRefChars = " ~^:?*[\\\t\n"

func init() {
	gitExecutablePath = exec.Command("git").String()
}

var (
	// ErrTransport is returned when remote is unreachable or it rejected
	// the credentials
	ErrTransport = errors.New("transport failure")

	// ErrRepositoryState is returned when local mirror is corrupt or expected
	// refs or objects are missing
	ErrRepositoryState = errors.New("invalid repository state")

	// ErrAlreadyExists is returned by Clone if mirror already exists
	ErrAlreadyExists = fmt.Errorf("%w: mirror already exists", ErrRepositoryState)

	// ErrNotARepository is returned if there is no valid mirror at work dir
	ErrNotARepository = fmt.Errorf("%w: not a git repository", ErrRepositoryState)
)

type gcMode string

const (
	gcAuto       = "auto"
	gcAlways     = "always"
	gcAggressive = "aggressive"
	gcOff        = "off"
)

// Repository represents the local mirror of the given remote.
// A Repository is owned by a single sync run and must not be used
// concurrently.
type Repository struct {
	gitURL     *giturl.URL          // parsed remote git URL
	remote     string               // remote repo to mirror
	remoteName string               // name of the remote in the mirror
	branch     string               // remote branch to mirror
	workDir    *WorkDir             // dir backing the mirror
	dir        string               // absolute path to the mirror dir
	gitGC      gcMode               // garbage collection
	auth       *Auth                // auth information including ssh key path
	appTokens  *auth.AppTokenSource // set only if github app is configured
	envs       []string             // envs which will be passed to git commands
	handle     *git.Repository      // nil until Open or Clone succeeds
	log        *slog.Logger
}

// New creates new repository from the given config and prepares its work
// dir. Remote repo will not be mirrored until Checkout() or Clone() is called.
func New(conf Config, envs []string, log *slog.Logger) (*Repository, error) {
	remote := strings.TrimSpace(conf.Remote)

	gURL, err := parseRemote(remote)
	if err != nil {
		return nil, err
	}

	if log == nil {
		log = slog.Default()
	}

	log = log.With("repo", gURL.Name())

	if conf.RemoteName == "" {
		conf.RemoteName = DefaultRemoteName
	}
	if conf.Branch == "" {
		conf.Branch = DefaultBranch
	}
	if conf.GitGC == "" {
		conf.GitGC = gcOff
	}

	switch conf.GitGC {
	case gcAuto, gcAlways, gcAggressive, gcOff:
	default:
		return nil, fmt.Errorf("wrong gc value provided, must be one of %s, %s, %s, %s",
			gcAuto, gcAlways, gcAggressive, gcOff)
	}

	if strings.ContainsAny(conf.Branch, invalidRefChars) || strings.HasPrefix(conf.Branch, "-") {
		return nil, fmt.Errorf("invalid branch name '%s'", conf.Branch)
	}

	workDir, err := NewWorkDir(conf.Root, conf.Persist)
	if err != nil {
		return nil, err
	}

	return &Repository{
		gitURL:     gURL,
		remote:     remote,
		remoteName: conf.RemoteName,
		branch:     conf.Branch,
		workDir:    workDir,
		dir:        workDir.Path(),
		gitGC:      gcMode(conf.GitGC),
		auth:       &conf.Auth,
		appTokens:  newAppTokenSource(conf.Auth, gURL),
		envs:       envs,
		log:        log,
	}, nil
}

// parseRemote parses remote url, plain absolute paths are also accepted
// as local remotes
func parseRemote(remote string) (*giturl.URL, error) {
	gURL, err := giturl.Parse(remote)
	if err == nil {
		return gURL, nil
	}
	if !filepath.IsAbs(remote) {
		return nil, err
	}
	remote = filepath.Clean(remote)
	return &giturl.URL{
		Scheme: "local",
		Path:   strings.Trim(filepath.Dir(remote), "/"),
		Repo:   filepath.Base(remote),
	}, nil
}

// Remote returns the remote url of the mirror
func (r *Repository) Remote() string {
	return r.remote
}

// Branch returns the mirrored branch name
func (r *Repository) Branch() string {
	return r.branch
}

// Name returns the repository name without .git suffix
func (r *Repository) Name() string {
	return r.gitURL.Name()
}

// Dir returns absolute path of the mirror
func (r *Repository) Dir() string {
	return r.dir
}

// Close releases the mirror handle and removes the work dir if its temporary
func (r *Repository) Close() error {
	r.handle = nil
	return r.workDir.Close()
}

// mirrorExists returns true if `.git` exists in the mirror dir
func (r *Repository) mirrorExists() bool {
	return pathExists(filepath.Join(r.dir, ".git"))
}

// Open returns cached handle of the mirror or opens the on disk repository.
// ErrNotARepository is returned if there is no valid repository.
func (r *Repository) Open(ctx context.Context) (*git.Repository, error) {
	if r.handle != nil {
		return r.handle, nil
	}

	r.log.Log(ctx, -8, "opening repo", "path", r.dir)

	repo, err := git.PlainOpen(r.dir)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("unable to open repo at %s err:%w", r.dir, ErrNotARepository)
		}
		return nil, fmt.Errorf("unable to open repo at %s err:%w %w", r.dir, ErrRepositoryState, err)
	}

	r.handle = repo
	return repo, nil
}

// Checkout brings the mirror to the tip of the remote branch. It clones the
// remote if mirror doesn't exist otherwise it fetches the branch and resets
// local branch to fetched commit.
func (r *Repository) Checkout(ctx context.Context) (plumbing.Hash, error) {
	var hash plumbing.Hash
	var err error

	if !r.mirrorExists() {
		hash, err = r.Clone(ctx)
		if err != nil {
			return plumbing.ZeroHash, err
		}
	} else {
		hash, err = r.Fetch(ctx)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		if err := r.ResetHead(ctx, hash); err != nil {
			return plumbing.ZeroHash, err
		}
	}

	r.log.Info("checkout complete", "path", r.dir, "branch", r.branch, "hash", hash)
	return hash, nil
}

// Clone creates new mirror by cloning configured branch of the remote.
// It returns ErrAlreadyExists without contacting remote if mirror exists.
// On success it returns the hash of the HEAD.
func (r *Repository) Clone(ctx context.Context) (plumbing.Hash, error) {
	if r.mirrorExists() {
		return plumbing.ZeroHash, fmt.Errorf("unable to clone into %s err:%w", r.dir, ErrAlreadyExists)
	}

	// leftovers of an interrupted clone
	if empty, err := utils.DirIsEmpty(r.dir); err == nil && !empty {
		r.log.Warn("removing leftovers of previous clone", "path", r.dir)
		if err := removeDirContentsIf(r.dir, r.log, func(os.FileInfo) (bool, error) { return true, nil }); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("unable to clean work dir %w: %w", ErrRepositoryState, err)
		}
	}

	authMethod, err := r.transportAuth(ctx)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	r.log.Info("cloning repo", "path", r.dir, "branch", r.branch)

	repo, err := git.PlainCloneContext(ctx, r.dir, false, &git.CloneOptions{
		URL:           r.remote,
		Auth:          authMethod,
		RemoteName:    r.remoteName,
		ReferenceName: plumbing.NewBranchReferenceName(r.branch),
		SingleBranch:  true,
		Tags:          git.NoTags,
		Progress:      &progressLogger{ctx: ctx, log: r.log},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("unable to clone repo %w: %w", ErrTransport, err)
	}

	r.handle = repo

	return r.HeadCommitID(ctx)
}

// Fetch fetches configured branch from the remote and returns the fetched
// commit. local branch is not updated. It returns ErrNotARepository without
// contacting remote if mirror doesn't exist.
func (r *Repository) Fetch(ctx context.Context) (plumbing.Hash, error) {
	if !r.mirrorExists() {
		return plumbing.ZeroHash, fmt.Errorf("unable to fetch into %s err:%w", r.dir, ErrNotARepository)
	}

	repo, err := r.Open(ctx)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	remote, err := repo.Remote(r.remoteName)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("unable to get remote %s %w: %w", r.remoteName, ErrRepositoryState, err)
	}

	// mirror could have been created for diff remote
	if urls := remote.Config().URLs; len(urls) == 0 || !giturl.Same(urls[0], r.remote) {
		return plumbing.ZeroHash, fmt.Errorf("%w: repo configured with diff remote url %s", ErrRepositoryState, urls)
	}

	authMethod, err := r.transportAuth(ctx)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	remoteRef := plumbing.NewRemoteReferenceName(r.remoteName, r.branch)
	refSpec := gitconfig.RefSpec(fmt.Sprintf("+%s:%s", plumbing.NewBranchReferenceName(r.branch), remoteRef))

	r.log.Info("fetching remote branch", "branch", r.branch)

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: r.remoteName,
		RefSpecs:   []gitconfig.RefSpec{refSpec},
		Auth:       authMethod,
		Tags:       git.NoTags,
		Force:      true,
		Progress:   &progressLogger{ctx: ctx, log: r.log},
	})
	switch {
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		r.log.Debug("remote branch is already up to date")
	case err != nil:
		return plumbing.ZeroHash, fmt.Errorf("unable to fetch repo %w: %w", ErrTransport, err)
	}

	ref, err := repo.Reference(remoteRef, true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("unable to resolve %s %w: %w", remoteRef, ErrRepositoryState, err)
	}

	return ref.Hash(), nil
}

// ResetHead forces local branch to given commit, points HEAD at the branch
// and hard resets the working tree. any local modifications are discarded.
func (r *Repository) ResetHead(ctx context.Context, hash plumbing.Hash) error {
	repo, err := r.Open(ctx)
	if err != nil {
		return err
	}

	if _, err := repo.CommitObject(hash); err != nil {
		return fmt.Errorf("unable to find commit %s %w: %w", hash, ErrRepositoryState, err)
	}

	r.log.Info("resetting head", "hash", hash)

	branchRef := plumbing.NewBranchReferenceName(r.branch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, hash)); err != nil {
		return fmt.Errorf("unable to set %s %w: %w", branchRef, ErrRepositoryState, err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branchRef)); err != nil {
		return fmt.Errorf("unable to set HEAD %w: %w", ErrRepositoryState, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("unable to get worktree %w: %w", ErrRepositoryState, err)
	}

	if err := wt.Reset(&git.ResetOptions{Commit: hash, Mode: git.HardReset}); err != nil {
		return fmt.Errorf("unable to reset worktree %w: %w", ErrRepositoryState, err)
	}

	return nil
}

// HeadCommitID returns the commit HEAD resolves to
func (r *Repository) HeadCommitID(ctx context.Context) (plumbing.Hash, error) {
	repo, err := r.Open(ctx)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	head, err := repo.Head()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("unable to resolve HEAD %w: %w", ErrRepositoryState, err)
	}
	return head.Hash(), nil
}

// ListRemote lists references advertised by the remote using configured
// credentials. mirror is not required.
func (r *Repository) ListRemote(ctx context.Context) ([]*plumbing.Reference, error) {
	authMethod, err := r.transportAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: r.remoteName,
		URLs: []string{r.remote},
	})

	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: authMethod})
	if err != nil {
		return nil, fmt.Errorf("unable to list remote %w: %w", ErrTransport, err)
	}

	slices.SortFunc(refs, func(a, b *plumbing.Reference) int {
		return strings.Compare(a.Name().String(), b.Name().String())
	})

	return refs, nil
}

// Maintain runs git's garbage collection on persistent mirror based on gc
// mode. temporary mirrors are removed after the run so its skipped.
func (r *Repository) Maintain(ctx context.Context) error {
	if r.gitGC == gcOff || r.workDir.IsTemporary() || !r.mirrorExists() {
		return nil
	}

	args := []string{"gc"}
	switch r.gitGC {
	case gcAuto:
		args = append(args, "--auto")
	case gcAlways:
		// no extra flags
	case gcAggressive:
		args = append(args, "--aggressive")
	}

	// git gc [--auto|--aggressive]
	if _, err := utils.RunCommand(ctx, r.log, r.envs, r.dir, gitExecutablePath, args...); err != nil {
		return fmt.Errorf("unable to run git gc err:%w", err)
	}

	// packs are re-written by gc hence drop cached handle
	r.handle = nil
	return nil
}

// progressLogger logs clone and fetch progress at trace level
type progressLogger struct {
	ctx context.Context
	log *slog.Logger
}

func (p *progressLogger) Write(b []byte) (int, error) {
	if msg := strings.TrimSpace(string(b)); msg != "" {
		p.log.Log(p.ctx, -8, "remote progress", "msg", msg)
	}
	return len(b), nil
}
