// Package config builds the indexer configuration in two stages. A Draft is
// filled from the environment and optionally overlaid with a yaml file, then
// Build validates it and returns the Config used by the rest of the app.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/utilitywarehouse/index-sync/giturl"
	"github.com/utilitywarehouse/index-sync/registry"
	"github.com/utilitywarehouse/index-sync/repository"
)

// ErrConfiguration is returned when configuration is missing or invalid
var ErrConfiguration = errors.New("invalid configuration")

// StoreKind is the backend used to persist registry states
type StoreKind string

const (
	StoreMemory StoreKind = "memory"
	StoreSQLite StoreKind = "sqlite"
	StoreGCS    StoreKind = "gcs"
)

// Draft is the raw, unvalidated configuration. file values take precedence
// over environment values.
type Draft struct {
	GitURL          string     `env:"INDEXER_GIT_URL" yaml:"git_url"`
	WorkDir         string     `env:"INDEXER_WORK_DIR,default=/tmp" yaml:"work_dir"`
	Branch          string     `env:"INDEXER_GITHUB_BRANCH,default=master" yaml:"branch"`
	RemoteName      string     `env:"INDEXER_REMOTE_NAME,default=origin" yaml:"remote_name"`
	PersistCheckout bool       `env:"INDEXER_PERSIST_CHECKOUT,default=true" yaml:"persist_checkout"`
	GitGC           string     `env:"INDEXER_GIT_GC,default=off" yaml:"git_gc"`
	ConflictRetries int        `env:"INDEXER_CONFLICT_RETRIES,default=0" yaml:"conflict_retries"`
	Auth            AuthDraft  `yaml:"auth"`
	Store           StoreDraft `yaml:"store"`
}

// AuthDraft holds credentials used to access the remote
type AuthDraft struct {
	Username                string `env:"INDEXER_GITHUB_USER" yaml:"username"`
	Password                string `env:"INDEXER_GITHUB_TOKEN" yaml:"password"`
	SSHKeyPath              string `env:"INDEXER_SSH_KEY_PATH" yaml:"ssh_key_path"`
	SSHKnownHostsPath       string `env:"INDEXER_SSH_KNOWN_HOSTS_PATH" yaml:"ssh_known_hosts_path"`
	GithubAppID             string `env:"INDEXER_GITHUB_APP_ID" yaml:"github_app_id"`
	GithubAppInstallationID string `env:"INDEXER_GITHUB_APP_INSTALLATION_ID" yaml:"github_app_installation_id"`
	GithubAppPrivateKeyPath string `env:"INDEXER_GITHUB_APP_PRIVATE_KEY_PATH" yaml:"github_app_private_key_path"`
}

// StoreDraft selects and configures the registry state backend
type StoreDraft struct {
	Kind       string `env:"INDEXER_STORE,default=sqlite" yaml:"kind"`
	SQLitePath string `env:"INDEXER_SQLITE_PATH" yaml:"sqlite_path"`
	Table      string `env:"INDEXER_REGISTRIES_TABLE,default=registries" yaml:"table"`
	GCSBucket  string `env:"INDEXER_GCS_BUCKET" yaml:"gcs_bucket"`
}

// Config is the validated configuration
type Config struct {
	GitURL          string
	WorkDir         string
	Branch          string
	RemoteName      string
	PersistCheckout bool
	GitGC           string
	ConflictRetries int
	Auth            repository.Auth
	Store           Store
}

// Store is the validated registry store configuration
type Store struct {
	Kind       StoreKind
	SQLitePath string
	Table      string
	GCSBucket  string
}

// Load processes environment using given lookuper (os env if nil) and
// overlays the yaml file at path if path is not empty.
func Load(ctx context.Context, lookuper envconfig.Lookuper, path string) (*Draft, error) {
	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}

	d := &Draft{}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   d,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("%w: unable to process env err:%w", ErrConfiguration, err)
	}

	if path == "" {
		return d, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to read config file err:%w", ErrConfiguration, err)
	}
	if err := d.Overlay(data); err != nil {
		return nil, err
	}
	return d, nil
}

// Overlay sets draft values from the given yaml document. only keys present
// in the document are changed.
func (d *Draft) Overlay(yamlData []byte) error {
	if err := validateKeys(yamlData); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if err := yaml.Unmarshal(yamlData, d); err != nil {
		return fmt.Errorf("%w: unable to parse config file err:%w", ErrConfiguration, err)
	}
	return nil
}

// Build validates the draft and returns the final config
func (d Draft) Build() (Config, error) {
	if err := d.validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	store := Store{
		Kind:       StoreKind(d.Store.Kind),
		SQLitePath: d.Store.SQLitePath,
		Table:      d.Store.Table,
		GCSBucket:  d.Store.GCSBucket,
	}
	if store.Kind == StoreSQLite && store.SQLitePath == "" {
		store.SQLitePath = filepath.Join(d.WorkDir, "registries.db")
	}

	return Config{
		GitURL:          strings.TrimSpace(d.GitURL),
		WorkDir:         d.WorkDir,
		Branch:          d.Branch,
		RemoteName:      d.RemoteName,
		PersistCheckout: d.PersistCheckout,
		GitGC:           d.GitGC,
		ConflictRetries: d.ConflictRetries,
		Auth: repository.Auth{
			Username:                d.Auth.Username,
			Password:                d.Auth.Password,
			SSHKeyPath:              d.Auth.SSHKeyPath,
			SSHKnownHostsPath:       d.Auth.SSHKnownHostsPath,
			GithubAppID:             d.Auth.GithubAppID,
			GithubAppInstallationID: d.Auth.GithubAppInstallationID,
			GithubAppPrivateKeyPath: d.Auth.GithubAppPrivateKeyPath,
		},
		Store: store,
	}, nil
}

func (d Draft) validate() error {
	gitURL := strings.TrimSpace(d.GitURL)
	if gitURL == "" {
		return fmt.Errorf("git url is required")
	}

	if !filepath.IsAbs(d.WorkDir) {
		return fmt.Errorf("work dir must be an absolute path")
	}
	if d.Branch == "" {
		return fmt.Errorf("branch is required")
	}
	if d.RemoteName == "" {
		return fmt.Errorf("remote name is required")
	}

	switch d.GitGC {
	case "auto", "always", "aggressive", "off":
	default:
		return fmt.Errorf("wrong gc value provided, must be one of auto, always, aggressive, off")
	}

	if d.ConflictRetries < 0 {
		return fmt.Errorf("conflict retries cannot be negative")
	}

	if err := d.validateAuth(gitURL); err != nil {
		return err
	}

	return d.Store.validate()
}

// validateAuth checks credentials against the type of the remote url
func (d Draft) validateAuth(gitURL string) error {
	a := d.Auth

	appFields := []string{a.GithubAppID, a.GithubAppInstallationID, a.GithubAppPrivateKeyPath}
	appSet := slices.ContainsFunc(appFields, func(v string) bool { return v != "" })
	if appSet && slices.Contains(appFields, "") {
		return fmt.Errorf("github app id, installation id and private key path must be set together")
	}

	switch {
	case filepath.IsAbs(gitURL), giturl.IsLocalURL(gitURL):
		return nil
	case giturl.IsSCPURL(gitURL), giturl.IsSSHURL(gitURL):
		if a.SSHKeyPath == "" {
			return fmt.Errorf("ssh key path is required for ssh remote")
		}
		if appSet || a.Password != "" {
			return fmt.Errorf("token credentials cannot be used with ssh remote")
		}
	case giturl.IsHTTPSURL(gitURL):
		if appSet && a.Password != "" {
			return fmt.Errorf("github token and github app cannot be used together")
		}
		if !appSet && a.Password == "" {
			return fmt.Errorf("github token or github app is required for https remote")
		}
		if appSet {
			u, err := giturl.Parse(gitURL)
			if err != nil {
				return fmt.Errorf("invalid git url err:%w", err)
			}
			if u.Host != "github.com" {
				return fmt.Errorf("github app can only be used with github.com remote, got host '%s'", u.Host)
			}
		}
	default:
		if _, err := giturl.Parse(gitURL); err != nil {
			return fmt.Errorf("invalid git url err:%w", err)
		}
	}
	return nil
}

func (s StoreDraft) validate() error {
	switch StoreKind(s.Kind) {
	case StoreMemory:
	case StoreSQLite:
		if s.SQLitePath != "" && !filepath.IsAbs(s.SQLitePath) {
			return fmt.Errorf("sqlite path must be an absolute path")
		}
		if !registry.ValidTableName(s.Table) {
			return fmt.Errorf("invalid registries table name '%s'", s.Table)
		}
	case StoreGCS:
		if s.GCSBucket == "" {
			return fmt.Errorf("gcs bucket is required for gcs store")
		}
		if s.Table == "" {
			return fmt.Errorf("registries table is required for gcs store")
		}
	default:
		return fmt.Errorf("unknown store '%s', must be one of %s, %s, %s", s.Kind, StoreMemory, StoreSQLite, StoreGCS)
	}
	return nil
}

// Repository returns the mirror config
func (c Config) Repository() repository.Config {
	return repository.Config{
		Remote:     c.GitURL,
		Root:       c.WorkDir,
		Persist:    c.PersistCheckout,
		RemoteName: c.RemoteName,
		Branch:     c.Branch,
		GitGC:      c.GitGC,
		Auth:       c.Auth,
	}
}

// GCSPrefix returns the object name prefix of registry records
func (s Store) GCSPrefix() string {
	return s.Table + "/"
}

func validateKeys(yamlData []byte) error {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(yamlData, &raw); err != nil {
		return err
	}

	if key := findUnexpectedKey(raw, getAllowedKeys(Draft{})); key != "" {
		return fmt.Errorf("unexpected key: .%v", key)
	}

	sections := map[string]interface{}{
		"auth":  AuthDraft{},
		"store": StoreDraft{},
	}
	for name, section := range sections {
		v, ok := raw[name]
		if !ok {
			continue
		}
		sectionMap, ok := v.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%s config section is not valid", name)
		}
		if key := findUnexpectedKey(sectionMap, getAllowedKeys(section)); key != "" {
			return fmt.Errorf("unexpected key: .%s.%v", name, key)
		}
	}
	return nil
}

// getAllowedKeys retrieves a list of allowed keys from the specified struct
func getAllowedKeys(config interface{}) []string {
	var allowedKeys []string
	typ := reflect.TypeOf(config)

	for i := 0; i < typ.NumField(); i++ {
		yamlTag := typ.Field(i).Tag.Get("yaml")
		if yamlTag != "" {
			allowedKeys = append(allowedKeys, yamlTag)
		}
	}
	return allowedKeys
}

func findUnexpectedKey(raw map[string]interface{}, allowedKeys []string) string {
	for key := range raw {
		if !slices.Contains(allowedKeys, key) {
			return key
		}
	}
	return ""
}
