package archive

import (
	"context"
	"time"

	"github.com/alphafactory/hive/pkg/envelope"
	"github.com/alphafactory/hive/pkg/log"
)

// StartRootTask publishes the archive Merkle root on the given cadence
// through publish until ctx is done. The root pins the experiment
// lineage the same way the ledger root pins the audit trail.
func (a *Archive) StartRootTask(ctx context.Context, cadence time.Duration, publish func(*envelope.Envelope)) {
	go func() {
		ticker := time.NewTicker(cadence)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				root, err := a.MerkleRoot()
				if err != nil {
					log.WithComponent("archive").Error().Err(err).Msg("merkle root computation failed")
					continue
				}
				env, err := envelope.New("archive", "system",
					envelope.Payload{"event": "archive_root", "root": root},
					float64(time.Now().UnixNano())/1e9)
				if err != nil {
					continue
				}
				publish(env)
				log.WithComponent("archive").Info().Str("root", root).Msg("archive root published")
			}
		}
	}()
}
