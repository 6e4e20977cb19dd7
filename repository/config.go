package repository

const (
	DefaultRemoteName = "origin"
	DefaultBranch     = "master"
)

// Config represents the config for the local mirror of the package index
// remote.
type Config struct {
	// git URL of the remote index repo to mirror
	Remote string `yaml:"remote"`

	// Root is the absolute path to the root dir where the mirror dir
	// will be created
	Root string `yaml:"root"`

	// Persist decides if the mirror is kept at `<root>/index` between runs
	// or cloned into a temp dir under root which is removed on Close()
	Persist bool `yaml:"persist"`

	// RemoteName is the name of the remote in the local mirror. default is origin
	RemoteName string `yaml:"remote_name"`

	// Branch is the remote branch to mirror. default is master
	Branch string `yaml:"branch"`

	// GitGC garbage collection string. valid values are
	// 'auto', 'always', 'aggressive' or 'off'
	GitGC string `yaml:"git_gc"`

	// Auth config to fetch remote repo
	Auth Auth `yaml:"auth"`
}

// Auth represents authentication config of the repository
type Auth struct {
	// username to use for basic or token based authentication
	Username string `yaml:"username"`

	// password or personal access token to use for authentication
	Password string `yaml:"password"`

	// SSH Details
	// path to the ssh key used to fetch remote
	SSHKeyPath string `yaml:"ssh_key_path"`

	// path to the known hosts of the remote host
	SSHKnownHostsPath string `yaml:"ssh_known_hosts_path"`

	// Github APP Details
	// The application id or the client ID of the Github app
	GithubAppID string `yaml:"github_app_id"`
	// The installation id of the app (in the organization).
	GithubAppInstallationID string `yaml:"github_app_installation_id"`
	// path to the github app private key
	GithubAppPrivateKeyPath string `yaml:"github_app_private_key_path"`
}
