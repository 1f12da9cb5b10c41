package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/patelg123/cumulus"
	"github.com/patelg123/cumulus/cumulustypes"
)

// Payload is the ingest invocation description read from the payload file:
// one provider, one collection, one staging location, any number of granules.
type Payload struct {
	Provider   cumulustypes.Provider      `json:"provider"`
	Collection cumulustypes.Collection    `json:"collection"`
	Staging    cumulustypes.StagingConfig `json:"staging"`
	Granules   []cumulustypes.Granule     `json:"granules"`
}

func loadPayload(path string) (*Payload, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	if len(payload.Granules) == 0 {
		return nil, fmt.Errorf("payload names no granules")
	}
	return &payload, nil
}

// requests expands the payload into one engine request per granule.
func (p *Payload) requests() []cumulus.Request {
	requests := make([]cumulus.Request, 0, len(p.Granules))
	for _, granule := range p.Granules {
		requests = append(requests, cumulus.Request{
			Granule:    granule,
			Provider:   p.Provider,
			Collection: p.Collection,
			Staging:    p.Staging,
		})
	}
	return requests
}

// report prints a human-readable summary of each granule record to stderr.
func report(cmd *cobra.Command, records []*cumulustypes.GranuleRecord) {
	for _, record := range records {
		if record == nil {
			continue
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s (%s)\n",
			record.GranuleID, record.Status, record.Duration.Round(time.Millisecond))
		for _, file := range record.Files {
			size := file.StagedSize
			if size == 0 {
				size = file.Size
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "  %s -> s3://%s/%s [%s, %s]\n",
				file.Name, file.Bucket, file.Key, file.Status, humanize.Bytes(uint64(size)))
		}
	}
}
