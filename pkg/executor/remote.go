package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"text/template"

	"github.com/inopsio/modeld/pkg/lifecycle"
	"github.com/inopsio/modeld/pkg/transports/ssh"
	"github.com/rs/zerolog"
)

// RemoteHost is the part of the SSH client RemoteRunner needs.
type RemoteHost interface {
	Run(ctx context.Context, cmd string) (*ssh.Result, error)
	Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) (int64, error)
}

// RemoteConfig configures RemoteRunner.
type RemoteConfig struct {
	// CacheDir is where local artifacts live.
	CacheDir string

	// RemoteDir receives artifacts, one subdirectory per model id.
	RemoteDir string

	// DeployCommand and UndeployCommand are text/template strings
	// rendered with CommandData.
	DeployCommand   string
	UndeployCommand string
}

// CommandData is the data passed to command templates.
type CommandData struct {
	ID       string
	Name     string
	Version  string
	Artifact string
	Metadata map[string]string
}

// RemoteRunner deploys and undeploys models on a serving host over SSH.
type RemoteRunner struct {
	host     RemoteHost
	cfg      RemoteConfig
	logger   zerolog.Logger
	deploy   *template.Template
	undeploy *template.Template
}

// NewRemoteRunner parses the command templates.
func NewRemoteRunner(host RemoteHost, cfg RemoteConfig, logger zerolog.Logger) (*RemoteRunner, error) {
	if host == nil {
		return nil, fmt.Errorf("remote host is required")
	}
	if cfg.RemoteDir == "" {
		return nil, fmt.Errorf("remote directory is required")
	}

	deploy, err := template.New("deploy").Option("missingkey=error").Parse(cfg.DeployCommand)
	if err != nil {
		return nil, fmt.Errorf("failed to parse deploy command: %w", err)
	}
	undeploy, err := template.New("undeploy").Option("missingkey=error").Parse(cfg.UndeployCommand)
	if err != nil {
		return nil, fmt.Errorf("failed to parse undeploy command: %w", err)
	}

	return &RemoteRunner{
		host:     host,
		cfg:      cfg,
		logger:   logger.With().Str("component", "remote_runner").Logger(),
		deploy:   deploy,
		undeploy: undeploy,
	}, nil
}

// Run handles deploy and undeploy jobs.
func (r *RemoteRunner) Run(ctx context.Context, job *lifecycle.Job) error {
	switch job.Kind {
	case lifecycle.JobDeploy:
		return r.runDeploy(ctx, job)
	case lifecycle.JobUndeploy:
		return r.runCommand(ctx, r.undeploy, r.commandData(job, ""))
	default:
		return fmt.Errorf("remote runner cannot handle %s jobs", job.Kind)
	}
}

func (r *RemoteRunner) runDeploy(ctx context.Context, job *lifecycle.Job) error {
	remoteArtifact := ""
	if name := job.Model.Metadata[MetadataArtifact]; name != "" {
		local, err := ResolveArtifact(r.cfg.CacheDir, name)
		if err != nil {
			return err
		}
		remoteArtifact = path.Join(r.cfg.RemoteDir, job.Model.ID, filepath.ToSlash(name))
		n, err := r.host.Upload(ctx, local, remoteArtifact, 0o644)
		if err != nil {
			return fmt.Errorf("failed to upload artifact: %w", err)
		}
		r.logger.Info().
			Str("model_id", job.Model.ID).
			Str("remote_path", remoteArtifact).
			Int64("bytes", n).
			Msg("Artifact uploaded")
	}
	return r.runCommand(ctx, r.deploy, r.commandData(job, remoteArtifact))
}

func (r *RemoteRunner) runCommand(ctx context.Context, tmpl *template.Template, data CommandData) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("failed to render %s command: %w", tmpl.Name(), err)
	}
	cmd := buf.String()
	if cmd == "" {
		return nil
	}

	res, err := r.host.Run(ctx, cmd)
	if err != nil {
		return fmt.Errorf("%s command failed: %w", tmpl.Name(), err)
	}
	r.logger.Debug().
		Str("model_id", data.ID).
		Str("command", tmpl.Name()).
		Str("stdout", res.Stdout).
		Dur("duration", res.Duration).
		Msg("Remote command succeeded")
	return nil
}

func (r *RemoteRunner) commandData(job *lifecycle.Job, artifact string) CommandData {
	if artifact == "" {
		if name := job.Model.Metadata[MetadataArtifact]; name != "" && filepath.IsLocal(name) {
			artifact = path.Join(r.cfg.RemoteDir, job.Model.ID, filepath.ToSlash(name))
		}
	}
	return CommandData{
		ID:       job.Model.ID,
		Name:     job.Model.Name,
		Version:  job.Model.Version,
		Artifact: artifact,
		Metadata: job.Model.Metadata,
	}
}
