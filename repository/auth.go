package repository

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"

	"github.com/utilitywarehouse/index-sync/auth"
	"github.com/utilitywarehouse/index-sync/giturl"
)

const defaultSSHUser = "git"

// transportAuth returns auth method to be presented on every request made
// to the remote. nil is returned if remote doesn't need credentials.
func (r *Repository) transportAuth(ctx context.Context) (transport.AuthMethod, error) {
	remote := giturl.NormaliseURL(r.remote)

	if giturl.IsSCPURL(remote) || giturl.IsSSHURL(remote) {
		return r.sshAuth()
	}

	// if url not ssh or https nothing to set
	if !giturl.IsHTTPSURL(remote) {
		return nil, nil
	}

	switch {
	// if username & password is set use that
	case r.auth.Username != "" && r.auth.Password != "":
		return &githttp.BasicAuth{Username: r.auth.Username, Password: r.auth.Password}, nil

	// if only password (token) is set use that
	case r.auth.Password != "":
		// username is required
		return &githttp.BasicAuth{Username: "-", Password: r.auth.Password}, nil

	// if github app config is set use that token
	case r.appTokens != nil:
		token, err := r.appTokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to get github app token err:%w", err)
		}
		return &githttp.BasicAuth{Username: "-", Password: token}, nil

	default:
		return nil, nil
	}
}

// sshAuth returns public key auth using configured key. host key is verified
// only if known hosts file is provided.
func (r *Repository) sshAuth() (transport.AuthMethod, error) {
	if r.auth.SSHKeyPath == "" {
		return nil, fmt.Errorf("ssh key path is required for ssh remote")
	}

	user := r.gitURL.User
	if user == "" {
		user = defaultSSHUser
	}

	keys, err := gitssh.NewPublicKeysFromFile(user, r.auth.SSHKeyPath, "")
	if err != nil {
		return nil, fmt.Errorf("unable to load ssh key err:%w", err)
	}

	if r.auth.SSHKnownHostsPath == "" {
		keys.HostKeyCallback = ssh.InsecureIgnoreHostKey()
		return keys, nil
	}

	cb, err := gitssh.NewKnownHostsCallback(r.auth.SSHKnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("unable to load known hosts err:%w", err)
	}
	keys.HostKeyCallback = cb

	return keys, nil
}

// newAppTokenSource returns token source if github app is configured for
// a github.com remote
func newAppTokenSource(a Auth, gitURL *giturl.URL) *auth.AppTokenSource {
	if a.GithubAppInstallationID == "" || gitURL.Host != "github.com" {
		return nil
	}

	// github matches repo name without `.git` for permission for token req
	return auth.NewAppTokenSource(auth.GithubApp{
		AppID:          a.GithubAppID,
		InstallationID: a.GithubAppInstallationID,
		PrivateKeyPath: a.GithubAppPrivateKeyPath,
	}, gitURL.Name())
}
