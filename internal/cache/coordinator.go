// Package cache makes model files available locally, downloading missing
// manifest entries from the hub at most once per model at a time.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"coderd/internal/common/fsutil"
	"coderd/internal/registry"
)

// ErrUnknownModel is returned for ids that are not in the catalog.
var ErrUnknownModel = errors.New("unknown model")

// DownloadError describes a failed fetch of one manifest file.
type DownloadError struct {
	ModelID string
	File    string
	Err     error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s/%s: %v", e.ModelID, e.File, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Source opens remote files. *hub.Client satisfies it.
type Source interface {
	Open(ctx context.Context, repo, revision, file string) (io.ReadCloser, int64, error)
}

// Observer is told when a real download starts and ends. Calls for one model
// never overlap.
type Observer interface {
	DownloadStarted(modelID string)
	DownloadFinished(modelID string, err error)
}

// Progress wraps a download stream for reporting. size is -1 when unknown.
// done is called once with the file's outcome.
type Progress interface {
	Track(modelID, file string, size int64, r io.Reader) (wrapped io.Reader, done func(error))
}

// Paths are the local locations of a model's manifest files. Optional roles
// that the manifest omits are empty.
type Paths struct {
	Dir              string
	Weights          []string
	Config           string
	Tokenizer        string
	TokenizerConfig  string
	GenerationConfig string
}

// Options configure a Coordinator.
type Options struct {
	Source      Source
	Observer    Observer
	Progress    Progress
	Concurrency int
	Logger      zerolog.Logger
	// BaseContext bounds shared downloads, which outlive individual callers.
	BaseContext context.Context
}

// Coordinator ensures manifest files exist under each model's CacheDir.
type Coordinator struct {
	catalog     *registry.Catalog
	src         Source
	obs         Observer
	progress    Progress
	concurrency int
	log         zerolog.Logger
	base        context.Context
	group       singleflight.Group
}

type noopObserver struct{}

func (noopObserver) DownloadStarted(string)         {}
func (noopObserver) DownloadFinished(string, error) {}

// New constructs a Coordinator over catalog.
func New(catalog *registry.Catalog, opts Options) *Coordinator {
	c := &Coordinator{
		catalog:     catalog,
		src:         opts.Source,
		obs:         opts.Observer,
		progress:    opts.Progress,
		concurrency: opts.Concurrency,
		log:         opts.Logger,
		base:        opts.BaseContext,
	}
	if c.obs == nil {
		c.obs = noopObserver{}
	}
	if c.concurrency <= 0 {
		c.concurrency = 4
	}
	if c.base == nil {
		c.base = context.Background()
	}
	return c
}

// SetObserver installs the status observer. Call before the first download.
func (c *Coordinator) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	c.obs = o
}

// IsCached reports whether every manifest file of id is present and non-empty.
func (c *Coordinator) IsCached(id string) bool {
	d, ok := c.catalog.Get(id)
	return ok && len(missingFiles(d)) == 0
}

// EnsureAvailable returns local paths for id, downloading whatever is missing.
// Concurrent calls for the same id share one download. A caller whose ctx ends
// stops waiting; the shared download keeps going for the others.
func (c *Coordinator) EnsureAvailable(ctx context.Context, id string) (Paths, error) {
	d, ok := c.catalog.Get(id)
	if !ok {
		return Paths{}, fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	if len(missingFiles(d)) == 0 {
		return pathsFor(d), nil
	}
	ch := c.group.DoChan(id, func() (any, error) {
		return c.download(c.base, d)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Paths{}, res.Err
		}
		return res.Val.(Paths), nil
	case <-ctx.Done():
		return Paths{}, ctx.Err()
	}
}

func (c *Coordinator) download(ctx context.Context, d registry.Descriptor) (Paths, error) {
	// Another flight may have finished between the caller's check and ours.
	missing := missingFiles(d)
	if len(missing) == 0 {
		return pathsFor(d), nil
	}
	c.obs.DownloadStarted(d.ID)
	start := time.Now()
	c.log.Info().Str("model", d.ID).Str("hub_id", d.HubID).Int("files", len(missing)).Msg("download start")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, f := range missing {
		g.Go(func() error { return c.fetch(gctx, d, f) })
	}
	err := g.Wait()
	c.obs.DownloadFinished(d.ID, err)
	if err != nil {
		c.log.Error().Err(err).Str("model", d.ID).Msg("download failed")
		return Paths{}, err
	}
	c.log.Info().Str("model", d.ID).Int64("dur_ms", time.Since(start).Milliseconds()).Msg("download done")
	return pathsFor(d), nil
}

func (c *Coordinator) fetch(ctx context.Context, d registry.Descriptor, f registry.File) (err error) {
	wrap := func(e error) error { return &DownloadError{ModelID: d.ID, File: f.Name, Err: e} }
	body, size, err := c.src.Open(ctx, d.HubID, d.Revision, f.Name)
	if err != nil {
		return wrap(err)
	}
	defer body.Close()

	out, err := fsutil.CreateAtomic(d.Path(f.Name))
	if err != nil {
		return wrap(err)
	}
	defer out.Abort()

	var r io.Reader = body
	if c.progress != nil {
		var done func(error)
		r, done = c.progress.Track(d.ID, f.Name, size, body)
		defer func() { done(err) }()
	}
	n, err := io.Copy(out, r)
	switch {
	case err != nil:
		return wrap(err)
	case size >= 0 && n != size:
		return wrap(fmt.Errorf("short body: got %d of %d bytes: %w", n, size, io.ErrUnexpectedEOF))
	case n == 0:
		return wrap(errors.New("empty file"))
	}
	if err = out.Commit(); err != nil {
		return wrap(err)
	}
	c.log.Debug().Str("model", d.ID).Str("file", f.Name).Int64("bytes", n).Msg("file cached")
	return nil
}

func missingFiles(d registry.Descriptor) []registry.File {
	var out []registry.File
	for _, f := range d.Files.Files() {
		if !fsutil.NonEmptyFile(d.Path(f.Name)) {
			out = append(out, f)
		}
	}
	return out
}

func pathsFor(d registry.Descriptor) Paths {
	p := Paths{Dir: d.CacheDir}
	for _, f := range d.Files.Files() {
		full := d.Path(f.Name)
		switch f.Role {
		case registry.RoleWeights:
			p.Weights = append(p.Weights, full)
		case registry.RoleConfig:
			p.Config = full
		case registry.RoleTokenizer:
			p.Tokenizer = full
		case registry.RoleTokenizerConfig:
			p.TokenizerConfig = full
		case registry.RoleGenerationConfig:
			p.GenerationConfig = full
		}
	}
	return p
}
