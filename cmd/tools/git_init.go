// Copyright Contributors to the KubeTask project

package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Environment set on the git-init container by the Job builder
const (
	envRepo        = "GIT_REPO"
	envRef         = "GIT_REF"
	envDepth       = "GIT_DEPTH"
	envRoot        = "GIT_ROOT"
	envLink        = "GIT_LINK"
	envUsername    = "GIT_USERNAME"
	envPassword    = "GIT_PASSWORD"
	envSSHKey      = "GIT_SSH_KEY"
	envSSHHostKeys = "GIT_SSH_KNOWN_HOSTS"
)

var commitSHA = regexp.MustCompile(`^[0-9a-f]{7,40}$`)

func init() {
	rootCmd.AddCommand(gitInitCmd)
}

var gitInitCmd = &cobra.Command{
	Use:   "git-init",
	Short: "Check out the task repository",
	Long: `git-init clones the task repository into $GIT_ROOT/$GIT_LINK, which the agent
container mounts as its repository directory.

Environment variables:
  GIT_REPO            Repository URL, https:// or git@ (required)
  GIT_REF             Branch, tag or commit SHA, default: HEAD
  GIT_DEPTH           Clone depth, default: 1 (0 clones the full history)
  GIT_ROOT            Volume mount path, default: /git
  GIT_LINK            Checkout directory below GIT_ROOT, default: repo
  GIT_USERNAME        HTTPS username
  GIT_PASSWORD        HTTPS password or token
  GIT_SSH_KEY         SSH private key, inline or a file path
  GIT_SSH_KNOWN_HOSTS known_hosts content; host keys are not verified without it`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadGitInitOptions(os.Getenv)
		if err != nil {
			return err
		}
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		log := newLogger()
		defer func() { _ = log.Sync() }()
		return checkout(cmd.Context(), opts, home, execRunner, log)
	},
}

type gitInitOptions struct {
	repo     string
	ref      string
	depth    int
	root     string
	link     string
	username string
	password string
	sshKey   string
	hostKeys string
}

func (o gitInitOptions) target() string {
	return filepath.Join(o.root, o.link)
}

// pinned reports whether ref names a commit, which cannot be passed to --branch
func (o gitInitOptions) pinned() bool {
	return commitSHA.MatchString(o.ref)
}

func loadGitInitOptions(getenv func(string) string) (gitInitOptions, error) {
	or := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}

	o := gitInitOptions{
		repo:     getenv(envRepo),
		ref:      or(envRef, "HEAD"),
		depth:    1,
		root:     or(envRoot, "/git"),
		link:     or(envLink, "repo"),
		username: getenv(envUsername),
		password: getenv(envPassword),
		sshKey:   getenv(envSSHKey),
		hostKeys: getenv(envSSHHostKeys),
	}
	if o.repo == "" {
		return o, fmt.Errorf("%s is required", envRepo)
	}
	if err := validateRepoURL(o.repo); err != nil {
		return o, err
	}
	if raw := getenv(envDepth); raw != "" {
		depth, err := strconv.Atoi(raw)
		if err != nil || depth < 0 {
			return o, fmt.Errorf("invalid %s %q", envDepth, raw)
		}
		o.depth = depth
	}
	if strings.Contains(o.link, "..") || filepath.IsAbs(o.link) {
		return o, fmt.Errorf("invalid %s %q", envLink, o.link)
	}
	return o, nil
}

// validateRepoURL only admits remote transports git-init knows how to authenticate
func validateRepoURL(repo string) error {
	if strings.HasPrefix(repo, "git@") {
		return nil
	}
	u, err := url.Parse(repo)
	if err != nil {
		return fmt.Errorf("invalid repository URL: %w", err)
	}
	switch u.Scheme {
	case "https", "http", "ssh":
		if u.Host == "" {
			return fmt.Errorf("invalid repository URL %q: missing host", repo)
		}
		return nil
	default:
		return fmt.Errorf("unsupported repository URL scheme %q", u.Scheme)
	}
}

// cloneArgs returns the git clone invocation. Commits are fetched separately.
func cloneArgs(o gitInitOptions) []string {
	args := []string{"clone"}
	if o.pinned() {
		args = append(args, "--no-checkout")
	} else {
		if o.depth > 0 {
			args = append(args, "--depth", strconv.Itoa(o.depth))
		}
		args = append(args, "--single-branch")
		if o.ref != "HEAD" {
			args = append(args, "--branch", o.ref)
		}
	}
	return append(args, o.repo, o.target())
}

// credentialLine is the git-credential-store entry for repo
func credentialLine(repo, username, password string) (string, error) {
	u, err := url.Parse(repo)
	if err != nil {
		return "", err
	}
	u.User = url.UserPassword(username, password)
	u.Path = ""
	u.RawQuery = ""
	return u.String() + "\n", nil
}

type runner func(ctx context.Context, env []string, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // arguments come from the Job spec
	cmd.Env = append(os.Environ(), env...)
	cmd.Stderr = os.Stderr
	return cmd.Output()
}

func checkout(ctx context.Context, o gitInitOptions, home string, run runner, log *zap.SugaredLogger) error {
	log.Infow("cloning repository", "repo", o.repo, "ref", o.ref, "depth", o.depth, "target", o.target())

	env, cleanup, err := configureAuth(ctx, o, home, run, log)
	defer cleanup()
	if err != nil {
		return fmt.Errorf("configure authentication: %w", err)
	}

	if err := os.MkdirAll(o.root, 0750); err != nil {
		return fmt.Errorf("create %s: %w", o.root, err)
	}
	if _, err := run(ctx, env, "git", cloneArgs(o)...); err != nil {
		return fmt.Errorf("git clone: %w", err)
	}
	if o.pinned() {
		if _, err := run(ctx, env, "git", "-C", o.target(), "checkout", "--detach", o.ref); err != nil {
			return fmt.Errorf("git checkout %s: %w", o.ref, err)
		}
	}

	// The agent runs under a different uid than this container
	safe := fmt.Sprintf("[safe]\n\tdirectory = %s\n", o.target())
	if err := os.WriteFile(filepath.Join(o.root, ".gitconfig"), []byte(safe), 0644); err != nil { //nolint:gosec // shared with the agent
		log.Warnw("unable to write shared .gitconfig", "error", err)
	}
	if _, err := run(ctx, nil, "chmod", "-R", "a+w", o.target()); err != nil {
		log.Warnw("unable to make repository writable", "error", err)
	}

	if out, err := run(ctx, env, "git", "-C", o.target(), "rev-parse", "HEAD"); err == nil {
		log.Infow("repository ready", "commit", strings.TrimSpace(string(out)))
	} else {
		log.Infow("repository ready")
	}
	return nil
}

// configureAuth prepares HTTPS or SSH credentials below home. It returns extra
// environment for git and a func removing the HTTPS credentials again.
func configureAuth(ctx context.Context, o gitInitOptions, home string, run runner, log *zap.SugaredLogger) ([]string, func(), error) {
	cleanup := func() {}
	var env []string

	if o.username != "" && o.password != "" && !strings.HasPrefix(o.repo, "git@") {
		line, err := credentialLine(o.repo, o.username, o.password)
		if err != nil {
			return nil, cleanup, err
		}
		credFile := filepath.Join(home, ".git-credentials")
		if err := os.WriteFile(credFile, []byte(line), 0600); err != nil {
			return nil, cleanup, fmt.Errorf("write credentials: %w", err)
		}
		if _, err := run(ctx, nil, "git", "config", "--global", "credential.helper", "store --file="+credFile); err != nil {
			_ = os.Remove(credFile)
			return nil, cleanup, fmt.Errorf("configure credential helper: %w", err)
		}
		log.Infow("configured HTTPS authentication")
		cleanup = func() { _ = os.Remove(credFile) }
	}

	if o.sshKey != "" {
		sshDir := filepath.Join(home, ".ssh")
		if err := os.MkdirAll(sshDir, 0700); err != nil {
			return nil, cleanup, fmt.Errorf("create %s: %w", sshDir, err)
		}
		key := []byte(o.sshKey)
		if _, err := os.Stat(o.sshKey); err == nil {
			if key, err = os.ReadFile(o.sshKey); err != nil {
				return nil, cleanup, fmt.Errorf("read SSH key: %w", err)
			}
		}
		keyFile := filepath.Join(sshDir, "id_task")
		if err := os.WriteFile(keyFile, key, 0600); err != nil {
			return nil, cleanup, fmt.Errorf("write SSH key: %w", err)
		}

		hostCheck := "-o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null"
		if o.hostKeys != "" {
			knownHosts := filepath.Join(sshDir, "known_hosts")
			if err := os.WriteFile(knownHosts, []byte(o.hostKeys), 0600); err != nil {
				return nil, cleanup, fmt.Errorf("write known_hosts: %w", err)
			}
			hostCheck = "-o StrictHostKeyChecking=yes -o UserKnownHostsFile=" + knownHosts
		} else {
			log.Warnw("SSH host keys are not verified", "hint", "set "+envSSHHostKeys)
		}
		env = append(env, fmt.Sprintf("GIT_SSH_COMMAND=ssh -i %s -o IdentitiesOnly=yes %s", keyFile, hostCheck))
		log.Infow("configured SSH authentication")
	}
	return env, cleanup, nil
}
