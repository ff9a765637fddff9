package session

import (
	"github.com/rs/zerolog"

	"github.com/kvsd/kvsd/internal/kvstore"
	"github.com/kvsd/kvsd/internal/subindex"
)

// installNotifications wires the Notification Fan-out: the KV Table's
// write and delete callbacks look up the Subscription Index's current
// sinks for the mutated key and deliver to each, after the mutation is
// already visible in the table. A snapshot of the sink list is taken
// before delivery so a blocking pipe write never holds the index's bucket
// lock.
func installNotifications(table *kvstore.Table, index *subindex.Index, log zerolog.Logger) {
	deliver := func(key, value string) {
		for _, sink := range index.Sinks(key) {
			if err := sink.Notify(key, value); err != nil {
				log.Error().Err(err).Str("key", key).Msg("notification delivery failed")
			}
		}
	}

	table.RegisterWriteCallback(deliver)
	table.RegisterDeleteCallback(deliver)
}
