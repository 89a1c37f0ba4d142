// Package corpus stores the labeled face images a recognizer is trained on.
//
// A corpus is an append-only collection of canonical face images. Identity
// is carried by the file name: everything before the first underscore is the
// person's name, the rest only keeps names unique. There is no index file.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrCodeEU/faceid/pkg/config"
	"github.com/MrCodeEU/faceid/pkg/faceimage"
	"github.com/MrCodeEU/faceid/pkg/logging"
)

// ErrCorpusIntegrity marks stored data that cannot be trained on.
var ErrCorpusIntegrity = errors.New("corpus integrity error")

// ErrMalformedName is returned for image files without a "<name>_" prefix.
var ErrMalformedName = errors.New("malformed training image name")

// ErrInvalidName is returned when a person name cannot be stored.
var ErrInvalidName = errors.New("invalid person name")

// ErrEncryption is returned when encryption/decryption fails.
var ErrEncryption = errors.New("encryption error")

// maxNameLength bounds person names.
const maxNameLength = 128

// snapshotWorkers bounds concurrent image loads during Snapshot.
const snapshotWorkers = 8

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
	".gif":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// TrainingImage is one stored face.
type TrainingImage struct {
	Path  string // storage location, for diagnostics
	Label int    // index within the enumeration it came from
	Name  string

	key string
}

// Snapshot is a consistent view of the corpus taken under the read lock.
type Snapshot struct {
	Images     []TrainingImage
	Faces      []image.Image
	Generation uint64
}

// Len returns the number of images in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.Images)
}

// Corpus is the training image store.
type Corpus interface {
	// Append stores faces for personName and returns their locations.
	Append(ctx context.Context, personName string, faces []*image.Gray) ([]string, error)
	// Enumerate lists every training image in lexicographic path order.
	Enumerate(ctx context.Context) ([]TrainingImage, error)
	// Snapshot enumerates and loads every training image.
	Snapshot(ctx context.Context) (*Snapshot, error)
	// Generation changes whenever Append stores at least one image.
	Generation() uint64
}

// WriteError reports a face that Append could not store.
type WriteError struct {
	Index int
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("face %d: %v", e.Index, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// ValidateName checks that name can be encoded into a training file name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > maxNameLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, maxNameLength)
	case strings.Contains(name, "_"):
		return fmt.Errorf("%w: %q contains an underscore", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidName, name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %q contains a control character", ErrInvalidName, name)
		}
	}
	return nil
}

// ParseName extracts the person name from a training file name or path.
func ParseName(filename string) (string, error) {
	base := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	base = strings.TrimSuffix(base, encryptedSuffix)

	name, _, found := strings.Cut(base, "_")
	if !found || name == "" {
		return "", fmt.Errorf("%w: %s: %w", ErrCorpusIntegrity, filename, ErrMalformedName)
	}
	return name, nil
}

// isImageKey reports whether key names an image, ignoring the encryption suffix.
func isImageKey(key string) bool {
	key = strings.TrimSuffix(key, encryptedSuffix)
	return imageExtensions[strings.ToLower(path.Ext(key))]
}

// isHidden reports whether any element of the slash-separated key starts
// with a dot. Temporary files written by Append are hidden.
func isHidden(key string) bool {
	for _, part := range strings.Split(key, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

// newKey returns a fresh object key for personName.
func newKey(personName string) string {
	return personName + "_" + uuid.NewString() + ".png"
}

// backend is the raw object store under a corpus.
type backend interface {
	// list returns every object key, slash separated and relative to the root.
	list(ctx context.Context) ([]string, error)
	read(ctx context.Context, key string) ([]byte, error)
	// write stores data under key and returns the key actually used.
	write(ctx context.Context, key string, data []byte) (string, error)
	location(key string) string
}

// store implements Corpus on top of a backend.
// Append holds mu exclusively; Enumerate and Snapshot share it.
type store struct {
	backend    backend
	component  string
	mu         sync.RWMutex
	generation atomic.Uint64
}

func (s *store) init(b backend, component string) {
	s.backend = b
	s.component = component
	s.generation.Store(1)
}

// Generation returns the current corpus generation.
func (s *store) Generation() uint64 {
	return s.generation.Load()
}

// Append encodes and stores each face as "<personName>_<uuid>.png".
// Failed faces are reported as joined *WriteError values; the generation is
// bumped once when at least one face was stored.
func (s *store) Append(ctx context.Context, personName string, faces []*image.Gray) ([]string, error) {
	if err := ValidateName(personName); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := logging.Component(s.component)

	var stored []string
	var errs []error
	for i, face := range faces {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(faces); j++ {
				errs = append(errs, &WriteError{Index: j, Err: err})
			}
			break
		}

		data, err := faceimage.EncodePNG(face)
		if err != nil {
			errs = append(errs, &WriteError{Index: i, Err: err})
			continue
		}

		key, err := s.backend.write(ctx, newKey(personName), data)
		if err != nil {
			log.WithError(err).Warnf("Failed to store face %d for %s", i, personName)
			errs = append(errs, &WriteError{Index: i, Err: err})
			continue
		}
		stored = append(stored, s.backend.location(key))
	}

	if len(stored) > 0 {
		gen := s.generation.Add(1)
		log.Infof("Stored %d face(s) for %s (generation %d)", len(stored), personName, gen)
	}

	return stored, errors.Join(errs...)
}

// Enumerate lists training images sorted by key. Non-image files are
// ignored; image files whose names carry no identity are an error.
func (s *store) Enumerate(ctx context.Context) ([]TrainingImage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enumerate(ctx)
}

func (s *store) enumerate(ctx context.Context) ([]TrainingImage, error) {
	keys, err := s.backend.list(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list corpus: %w", err)
	}
	sort.Strings(keys)

	log := logging.Component(s.component)

	images := make([]TrainingImage, 0, len(keys))
	for _, key := range keys {
		if isHidden(key) {
			continue
		}
		if !isImageKey(key) {
			log.Debugf("Ignoring non-image file: %s", key)
			continue
		}

		name, err := ParseName(key)
		if err != nil {
			return nil, err
		}

		images = append(images, TrainingImage{
			Path:  s.backend.location(key),
			Label: len(images),
			Name:  name,
			key:   key,
		})
	}
	return images, nil
}

// Snapshot enumerates the corpus and decodes every image while holding the
// read lock, so the result matches exactly one generation.
func (s *store) Snapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{Generation: s.generation.Load()}

	images, err := s.enumerate(ctx)
	if err != nil {
		return nil, err
	}

	faces := make([]image.Image, len(images))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(snapshotWorkers)
	for i := range images {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := s.backend.read(gctx, images[i].key)
			if err != nil {
				return fmt.Errorf("%w: failed to read %s: %w", ErrCorpusIntegrity, images[i].Path, err)
			}
			img, err := faceimage.Decode(data)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrCorpusIntegrity, images[i].Path, err)
			}
			faces[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap.Images = images
	snap.Faces = faces

	logging.Component(s.component).Debugf("Loaded snapshot of %d image(s) at generation %d",
		len(images), snap.Generation)
	return snap, nil
}

// Open creates the corpus backend selected by cfg.Backend.
func Open(cfg config.StorageConfig) (Corpus, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileCorpus(cfg.DataDir, cfg.EncryptionEnabled)
	case "s3":
		return NewS3Corpus(cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
