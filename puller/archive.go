package puller

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/docker/go-units"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/renjaku/hashike/driver"
	"github.com/renjaku/hashike/urls"
)

func init() {
	Register("docker-archive+s3", PullFromDockerArchive)
}

var (
	downloadMu sync.Mutex
	downloads  = map[string]string{} // source URL -> local file
)

// downloadArchive fetches an archive to a local file once per process so
// that several references into the same archive share one download. It is
// a variable so tests can substitute the network round trip.
var downloadArchive = func(src urls.URL) (string, error) {
	downloadMu.Lock()
	defer downloadMu.Unlock()

	key := src.String()
	if local, ok := downloads[key]; ok {
		return local, nil
	}

	remote, err := urls.Open(src)
	if err != nil {
		return "", err
	}
	defer remote.Close()

	local := filepath.Join(os.TempDir(), path.Base(src.Path))
	f, err := os.Create(local)
	if err != nil {
		return "", errors.Wrapf(err, "create %s", local)
	}
	defer f.Close()

	n, err := io.Copy(f, remote)
	if err != nil {
		return "", errors.Wrapf(err, "download %s", key)
	}
	log.WithFields(log.Fields{
		"url":  key,
		"size": units.HumanSize(float64(n)),
	}).Debug("Archive downloaded.")

	downloads[key] = local
	return local, nil
}

type archiveManifestItem struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
}

type archiveImageConfig struct {
	Config struct {
		Env        []string `json:"Env"`
		Entrypoint []string `json:"Entrypoint"`
		Cmd        []string `json:"Cmd"`
	} `json:"config"`
}

// scanArchive reads image metadata out of a docker archive without
// importing anything. It is a variable for the same reason downloadArchive
// is.
var scanArchive = func(local string) ([]driver.Image, error) {
	f, err := os.Open(local)
	if err != nil {
		return nil, errors.Wrapf(err, "open archive %s", local)
	}
	defer f.Close()

	var reader io.Reader = f
	if strings.HasSuffix(local, ".gz") || strings.HasSuffix(local, ".tgz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrapf(err, "decompress archive %s", local)
		}
		defer gz.Close()
		reader = gz
	}

	// Collect manifest.json and the top-level config blobs in one pass;
	// tar gives no random access and entry order is not guaranteed.
	var manifestData []byte
	configs := map[string][]byte{}

	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read archive %s", local)
		}
		name := path.Clean(header.Name)
		if name == "manifest.json" {
			if manifestData, err = io.ReadAll(tr); err != nil {
				return nil, errors.Wrap(err, "read archive manifest")
			}
		} else if !strings.Contains(name, "/") && strings.HasSuffix(name, ".json") {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, errors.Wrapf(err, "read archive entry %s", name)
			}
			configs[name] = data
		}
	}
	if manifestData == nil {
		return nil, errors.Errorf("archive %s has no manifest.json", local)
	}

	var items []archiveManifestItem
	if err := json.Unmarshal(manifestData, &items); err != nil {
		return nil, errors.Wrap(err, "parse archive manifest")
	}

	images := make([]driver.Image, 0, len(items))
	for _, item := range items {
		id := digest.NewDigestFromEncoded(digest.SHA256, strings.TrimSuffix(item.Config, ".json"))
		if err := id.Validate(); err != nil {
			return nil, errors.Wrapf(err, "archive config %s is not content-addressed", item.Config)
		}

		data, ok := configs[item.Config]
		if !ok {
			return nil, errors.Errorf("archive config %s was not found", item.Config)
		}
		var config archiveImageConfig
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, errors.Wrapf(err, "parse archive config %s", item.Config)
		}

		envs := make([]driver.EnvVar, 0, len(config.Config.Env))
		for _, entry := range config.Config.Env {
			name, value, _ := strings.Cut(entry, "=")
			envs = append(envs, driver.EnvVar{Name: name, Value: value})
		}
		driver.SortEnvVars(envs)

		images = append(images, driver.Image{
			ID:          id.String(),
			References:  item.RepoTags,
			Environment: envs,
			Entrypoint:  config.Config.Entrypoint,
			Command:     config.Config.Cmd,
		})
	}
	return images, nil
}

// PullFromDockerArchive resolves a docker-archive+s3 reference: the URL
// path names an archive object with the target image reference as its last
// segment. The archive is imported only when it contains an image the
// backend does not already hold, but it is always scanned fully so the
// target can be located.
func PullFromDockerArchive(u urls.URL, d driver.Driver) (driver.Image, error) {
	if u.Scheme == "" || u.Path == "" || u.Path == "/" {
		return driver.Image{}, errors.Wrapf(ErrUnresolvedReference, "incomplete archive reference %q", u.String())
	}

	src := u
	src.Scheme = strings.TrimPrefix(u.Scheme, "docker-archive+")
	src.Path = path.Dir(u.Path)
	targetRef := path.Base(u.Path)
	if !strings.Contains(targetRef, ":") {
		targetRef += ":latest"
	}

	local, err := downloadArchive(src)
	if err != nil {
		return driver.Image{}, err
	}
	archived, err := scanArchive(local)
	if err != nil {
		return driver.Image{}, err
	}

	existing, err := d.GetImages()
	if err != nil {
		return driver.Image{}, errors.Wrap(err, "list existing images")
	}
	existingIDs := make(map[string]bool, len(existing))
	for _, img := range existing {
		existingIDs[img.ID] = true
	}

	var target *driver.Image
	loaded := false
	for i, img := range archived {
		for _, ref := range img.References {
			if ref == targetRef {
				target = &archived[i]
				break
			}
		}

		if !loaded && !existingIDs[img.ID] {
			f, err := os.Open(local)
			if err != nil {
				return driver.Image{}, errors.Wrapf(err, "reopen archive %s", local)
			}
			loadErr := d.LoadDockerArchive(f)
			f.Close()
			if loadErr != nil {
				return driver.Image{}, errors.Wrap(loadErr, "load archive")
			}
			loaded = true
		}
	}

	if target == nil {
		return driver.Image{}, errors.Wrapf(ErrUnresolvedReference, "image %q not found in archive %s", targetRef, src.String())
	}
	return *target, nil
}
