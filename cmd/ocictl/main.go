// ocictl is a thin command-line exerciser for the ociclient library:
// copy artifacts between registries, push and pull files, retag, and
// list tags. It is not part of the library's public contract.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/urfave/cli"
	"gopkg.in/yaml.v3"

	"github.com/rancher/ociclient/content/copy"
	"github.com/rancher/ociclient/content/filestore"
	"github.com/rancher/ociclient/content/pack"
	"github.com/rancher/ociclient/registry"
	"github.com/rancher/ociclient/registry/remote"
	"github.com/rancher/ociclient/registry/remote/auth"
)

const (
	// defaultLogLevelEnvironmentVariable selects the log level
	defaultLogLevelEnvironmentVariable = "LOG"
	// defaultCredentialFileEnvironmentVariable points at the credential file
	defaultCredentialFileEnvironmentVariable = "OCICTL_CREDENTIALS"
)

var (
	// Version represents the current version of ocictl
	Version = "v0.0.0-dev"

	// CredentialFile is a YAML file mapping registry hosts to credentials
	CredentialFile string
	// PlainHTTP accesses registries over HTTP instead of HTTPS
	PlainHTTP bool
	// ArtifactType is the artifact type used when packing pushed files
	ArtifactType string
)

func init() {
	tintOptions := &tint.Options{
		TimeFormat: "15:04:05",
	}
	switch os.Getenv(defaultLogLevelEnvironmentVariable) {
	case "DEBUG":
		tintOptions.Level = slog.LevelDebug
	case "WARN":
		tintOptions.Level = slog.LevelWarn
	case "ERROR":
		tintOptions.Level = slog.LevelError
	default:
		tintOptions.Level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, tintOptions)))
}

// credentialsFile is the on-disk shape of the optional credential file:
//
//	registry-1.docker.io:
//	  username: alice
//	  password: hunter2
type credentialsFile map[string]struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	RefreshToken string `yaml:"refreshToken"`
	AccessToken  string `yaml:"accessToken"`
}

func credentialFunc() (auth.CredentialFunc, error) {
	if CredentialFile == "" {
		return nil, nil
	}
	b, err := os.ReadFile(CredentialFile)
	if err != nil {
		return nil, err
	}
	var creds credentialsFile
	if err := yaml.Unmarshal(b, &creds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", CredentialFile, err)
	}
	return func(_ context.Context, host string) (auth.Credential, error) {
		if c, ok := creds[host]; ok {
			return auth.Credential{
				Username:     c.Username,
				Password:     c.Password,
				RefreshToken: c.RefreshToken,
				AccessToken:  c.AccessToken,
			}, nil
		}
		return auth.EmptyCredential, nil
	}, nil
}

func newRepository(reference string) (*remote.Repository, registry.Reference, error) {
	ref, err := registry.ParseReference(reference)
	if err != nil {
		return nil, registry.Reference{}, err
	}
	repo, err := remote.NewRepository(ref.Registry + "/" + ref.Repository)
	if err != nil {
		return nil, registry.Reference{}, err
	}
	repo.PlainHTTP = PlainHTTP
	cred, err := credentialFunc()
	if err != nil {
		return nil, registry.Reference{}, err
	}
	if cred != nil {
		repo.Client = &auth.Client{
			Credential: cred,
			Cache:      auth.NewCache(),
		}
	}
	return repo, ref, nil
}

func copyAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.NewExitError("usage: ocictl copy <src-ref> <dst-ref>", 1)
	}
	ctx := context.Background()
	src, srcRef, err := newRepository(c.Args().Get(0))
	if err != nil {
		return err
	}
	dst, dstRef, err := newRepository(c.Args().Get(1))
	if err != nil {
		return err
	}
	root, err := copy.Copy(ctx, src, srcRef.Reference, dst, dstRef.Reference, copy.CopyOptions{})
	if err != nil {
		return err
	}
	fmt.Println(root.Digest)
	return nil
}

func pushAction(c *cli.Context) error {
	if c.NArg() < 2 {
		return cli.NewExitError("usage: ocictl push <ref> <file>...", 1)
	}
	ctx := context.Background()
	repo, ref, err := newRepository(c.Args().Get(0))
	if err != nil {
		return err
	}

	store := filestore.New(".", filestore.DefaultOptions())
	defer store.Close()

	var layers []ocispec.Descriptor
	for _, path := range c.Args().Tail() {
		desc, err := store.Add(ctx, filepath.ToSlash(path), "", path)
		if err != nil {
			return err
		}
		layers = append(layers, desc)
	}
	artifactType := ArtifactType
	if artifactType == "" {
		artifactType = "application/vnd.unknown.artifact.v1"
	}
	root, err := pack.PackManifest(ctx, store, pack.PackManifestVersion1_1, artifactType, pack.PackManifestOptions{Layers: layers})
	if err != nil {
		return err
	}
	if err := store.Tag(ctx, root, ref.Reference); err != nil {
		return err
	}
	if _, err := copy.Copy(ctx, store, ref.Reference, repo, ref.Reference, copy.CopyOptions{}); err != nil {
		return err
	}
	fmt.Println(root.Digest)
	return nil
}

func pullAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.NewExitError("usage: ocictl pull <ref> <dir>", 1)
	}
	ctx := context.Background()
	repo, ref, err := newRepository(c.Args().Get(0))
	if err != nil {
		return err
	}
	store := filestore.New(c.Args().Get(1), filestore.DefaultOptions())
	defer store.Close()

	root, err := copy.Copy(ctx, repo, ref.Reference, store, ref.Reference, copy.CopyOptions{})
	if err != nil {
		return err
	}
	fmt.Println(root.Digest)
	return nil
}

func tagAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.NewExitError("usage: ocictl tag <ref> <new-tag>", 1)
	}
	ctx := context.Background()
	repo, ref, err := newRepository(c.Args().Get(0))
	if err != nil {
		return err
	}
	desc, err := repo.Resolve(ctx, ref.Reference)
	if err != nil {
		return err
	}
	return repo.Tag(ctx, desc, c.Args().Get(1))
}

func tagsAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: ocictl tags <registry/repository>", 1)
	}
	ctx := context.Background()
	repo, _, err := newRepository(c.Args().Get(0) + ":latest")
	if err != nil {
		return err
	}
	return repo.Tags(ctx, "", func(tags []string) error {
		for _, tag := range tags {
			fmt.Println(tag)
		}
		return nil
	})
}

func main() {
	app := cli.NewApp()
	app.Name = "ocictl"
	app.Version = Version
	app.Usage = "Move OCI artifacts between registries and the local filesystem"

	credentialFlag := cli.StringFlag{
		Name:        "credentials",
		Usage:       "A YAML file mapping registry hosts to credentials",
		TakesFile:   true,
		Destination: &CredentialFile,
		EnvVar:      defaultCredentialFileEnvironmentVariable,
	}
	plainHTTPFlag := cli.BoolFlag{
		Name:        "plain-http",
		Usage:       "Access registries over HTTP instead of HTTPS",
		Destination: &PlainHTTP,
	}
	artifactTypeFlag := cli.StringFlag{
		Name:        "artifact-type",
		Usage:       "The artifact type recorded when packing pushed files",
		Destination: &ArtifactType,
	}

	app.Commands = []cli.Command{
		{
			Name:   "copy",
			Usage:  "Copy an artifact graph from one repository to another",
			Action: copyAction,
			Flags:  []cli.Flag{credentialFlag, plainHTTPFlag},
		},
		{
			Name:   "push",
			Usage:  "Pack local files into an artifact and push it",
			Action: pushAction,
			Flags:  []cli.Flag{credentialFlag, plainHTTPFlag, artifactTypeFlag},
		},
		{
			Name:   "pull",
			Usage:  "Pull an artifact into a local directory",
			Action: pullAction,
			Flags:  []cli.Flag{credentialFlag, plainHTTPFlag},
		},
		{
			Name:   "tag",
			Usage:  "Attach a new tag to an existing manifest",
			Action: tagAction,
			Flags:  []cli.Flag{credentialFlag, plainHTTPFlag},
		},
		{
			Name:   "tags",
			Usage:  "List the tags of a repository",
			Action: tagsAction,
			Flags:  []cli.Flag{credentialFlag, plainHTTPFlag},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("ocictl failed", slog.Any("error", err))
		os.Exit(1)
	}
}
