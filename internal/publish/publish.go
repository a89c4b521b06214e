// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package publish

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/zosopentools/patchchain/internal/base"
)

// Outcome of publishing to one destination
type Outcome struct {
	Destination string
	URL         string

	// Where the bundle archive was written
	Location string

	Err error
}

func (o Outcome) OK() bool {
	return o.Err == nil
}

type Receipt struct {
	// Identifies this publish attempt in logs and reports
	ID string

	Bundle      string
	Coordinates Coordinates

	// Size and blake3 digest of the bundle archive
	Size   int64
	Digest string

	Outcomes []Outcome
}

type Publisher struct {
	client *http.Client
	logger *slog.Logger
}

// New creates a Publisher. If client is nil, an http.Client with a
// five minute timeout is used; if logger is nil, slog.Default().
func New(client *http.Client, logger *slog.Logger) *Publisher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{client: client, logger: logger}
}

// Publish builds the bundle of desc and uploads it to every destination in order
//
// A failing destination does not stop the others. The receipt lists every
// outcome; when any destination failed a *base.PublishError is returned with
// it.
func (p *Publisher) Publish(ctx context.Context, desc Descriptor, dests []Destination) (*Receipt, error) {
	receipt := &Receipt{
		ID:          uuid.NewString(),
		Bundle:      desc.Name,
		Coordinates: desc.Coordinates,
	}
	logger := p.logger.With("bundle", desc.Name, "publish", receipt.ID)

	archive, err := Build(desc)
	if err != nil {
		return nil, err
	}
	pomData, err := POM(desc)
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(archive)
	receipt.Size = int64(len(archive))
	receipt.Digest = hex.EncodeToString(sum[:])

	logger.Info("built bundle",
		"coordinates", desc.Coordinates.String(),
		"artifacts", len(desc.Artifacts),
		"size", humanize.Bytes(uint64(receipt.Size)),
	)

	dir := desc.Coordinates.Dir()
	archiveKey := path.Join(dir, desc.Coordinates.FileBase()+ArchiveSuffix)
	pomKey := path.Join(dir, desc.Coordinates.FileBase()+".pom")

	var failures []base.DestinationFailure
	for _, d := range dests {
		outcome := Outcome{Destination: d.Name, URL: d.URL}
		start := time.Now()

		up, err := p.uploader(d)
		if err == nil {
			outcome.Location = up.Location(archiveKey)
			err = up.Put(ctx, archiveKey, archive, "application/zstd")
		}
		if err == nil {
			err = up.Put(ctx, pomKey, pomData, "application/xml")
		}

		if err != nil {
			outcome.Err = err
			failures = append(failures, base.DestinationFailure{Destination: d.Name, URL: d.URL, Err: err})
			logger.Error("publish failed", "destination", d.Name, "url", d.URL, "error", err)
		} else {
			logger.Info("published",
				"destination", d.Name,
				"location", outcome.Location,
				"took", time.Since(start).Round(time.Millisecond),
			)
		}
		receipt.Outcomes = append(receipt.Outcomes, outcome)
	}

	if len(failures) > 0 {
		return receipt, &base.PublishError{Bundle: desc.Name, Failures: failures}
	}
	return receipt, nil
}
