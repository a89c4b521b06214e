// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zosopentools/patchchain/internal/base"
)

func descriptor(t *testing.T) Descriptor {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "api.jar"), []byte("api"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.jar"), []byte("server"), 0644))

	desc, err := DescriptorOf(dir, base.BundleConfig{
		Name:         "dev",
		Coordinates:  "org.example.fork:dev-bundle:1.20.4-R0.1",
		Dependencies: map[string]string{"api": "org.example.fork:fork-api"},
		Repositories: []string{"https://repo.maven.apache.org/maven2/"},
		Artifacts:    []string{"*.jar"},
	})
	require.NoError(t, err)
	return desc
}

func TestBuild(t *testing.T) {
	desc := descriptor(t)

	archive, err := Build(desc)
	require.NoError(t, err)
	again, err := Build(desc)
	require.NoError(t, err)
	require.Equal(t, archive, again, "bundle archives are not reproducible")

	manifest, names, err := Inspect(archive)
	require.NoError(t, err)
	require.Equal(t, []string{BundleFile, "artifacts/api.jar", "artifacts/server.jar"}, names)
	require.Equal(t, "org.example.fork:dev-bundle:1.20.4-R0.1", manifest.Coordinates)
	require.Equal(t, "org.example.fork:fork-api", manifest.Dependencies["api"])

	pom, err := POM(desc)
	require.NoError(t, err)
	require.Contains(t, string(pom), "<artifactId>fork-api</artifactId>")
	require.Contains(t, string(pom), "<version>1.20.4-R0.1</version>")
}

func TestDescriptorMissingArtifact(t *testing.T) {
	_, err := DescriptorOf(t.TempDir(), base.BundleConfig{Name: "dev", Coordinates: "a:b:c", Artifacts: []string{"*.jar"}})
	require.Error(t, err)

	_, err = ParseCoordinates("a:b")
	require.Error(t, err)
}

func TestPublishPartialFailure(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	repo := t.TempDir()
	desc := descriptor(t)
	p := New(broken.Client(), nil)

	receipt, err := p.Publish(context.Background(), desc, []Destination{
		{Name: "broken", URL: broken.URL},
		{Name: "local", URL: "file://" + repo},
	})

	var publishErr *base.PublishError
	require.True(t, errors.As(err, &publishErr), "got %v", err)
	require.Len(t, publishErr.Failures, 1)
	require.Equal(t, "broken", publishErr.Failures[0].Destination)
	require.Equal(t, base.ExitPublish, base.ExitCodeOf(err))

	require.NotNil(t, receipt)
	require.NotEmpty(t, receipt.ID)
	require.Len(t, receipt.Outcomes, 2)
	require.False(t, receipt.Outcomes[0].OK())
	require.True(t, receipt.Outcomes[1].OK())

	archive := filepath.Join(repo, "org", "example", "fork", "dev-bundle", "1.20.4-R0.1", "dev-bundle-1.20.4-R0.1.tar.zst")
	require.Equal(t, archive, receipt.Outcomes[1].Location)
	data, err := os.ReadFile(archive)
	require.NoError(t, err)
	require.EqualValues(t, receipt.Size, len(data))
	_, err = os.Stat(strings.TrimSuffix(archive, ArchiveSuffix) + ".pom")
	require.NoError(t, err)
}

func TestPublishHTTPAuth(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "builder" || pass != "s3cret" || r.Method != http.MethodPut {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	p := New(server.Client(), logger)

	t.Setenv("TEST_PUBLISH_USER", "builder")
	t.Setenv("TEST_PUBLISH_TOKEN", "s3cret")
	dest := DestinationOf(base.DestinationConfig{
		Name:        "maven",
		URL:         server.URL + "/releases/",
		UsernameEnv: "TEST_PUBLISH_USER",
		PasswordEnv: "TEST_PUBLISH_TOKEN",
	})

	_, err := p.Publish(context.Background(), descriptor(t), []Destination{dest})
	require.NoError(t, err)
	require.Equal(t, []string{
		"/releases/org/example/fork/dev-bundle/1.20.4-R0.1/dev-bundle-1.20.4-R0.1.tar.zst",
		"/releases/org/example/fork/dev-bundle/1.20.4-R0.1/dev-bundle-1.20.4-R0.1.pom",
	}, paths)
	require.NotContains(t, logs.String(), "s3cret")
}

func TestCredentialsRedacted(t *testing.T) {
	creds := NewCredentials("builder", "s3cret")
	for _, format := range []string{"%v", "%+v", "%#v", "%s"} {
		require.NotContains(t, fmt.Sprintf(format, creds), "s3cret", format)
	}
	require.NotContains(t, fmt.Sprintf("%+v", Destination{Name: "x", Credentials: creds}), "s3cret")

	var logs bytes.Buffer
	slog.New(slog.NewTextHandler(&logs, nil)).Info("destination", "credentials", creds)
	require.NotContains(t, logs.String(), "s3cret")
	require.Contains(t, logs.String(), "builder")
}
